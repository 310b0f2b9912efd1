/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package schedule

import "github.com/samber/lo"

// State is a desired or observed instance state. The same vocabulary flows
// through schedule evaluation, the per-instance state machine, and the
// persisted desired-state records.
type State string

const (
	// StateUnknown is the implicit value when no record exists for an instance.
	StateUnknown State = "unknown"
	// StateAny means "leave the instance as it is".
	StateAny     State = "any"
	StateRunning State = "running"
	StateStopped State = "stopped"
	// StateStoppedForResize stops a running instance so it can restart at a
	// pinned machine type. It is never persisted; the record becomes stopped.
	StateStoppedForResize State = "stopped_for_resize"
	// StateRetainRunning carries a manual "keep it running" intent across a
	// stop boundary. Only ever recorded for an instance found running when its
	// schedule crossed from running to stopped.
	StateRetainRunning State = "retain_running"
	StateTerminated    State = "terminated"
	StateTransitional  State = "transitional"
)

func (s State) String() string {
	return string(s)
}

// IsAnyOf reports whether s is one of the given states.
func (s State) IsAnyOf(states ...State) bool {
	return lo.Contains(states, s)
}

// IsStop reports whether s requires a running instance to be stopped.
func (s State) IsStop() bool {
	return s == StateStopped || s == StateStoppedForResize
}
