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

package scheduler

import (
	"encoding/json"
)

// InstanceAction identifies an instance acted on and the schedule that drove
// the action.
type InstanceAction struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"`
}

// ResizeAction records a machine type change applied before a start.
type ResizeAction struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"`
	OldType  string `json:"old"`
	NewType  string `json:"new"`
}

// AccountResults groups one account's actions by region. Region keys appear
// only once the region saw actions. Resized is nil for services that cannot
// resize; the key is then absent from the wire form.
type AccountResults struct {
	Started map[string][]InstanceAction
	Stopped map[string][]InstanceAction
	Resized map[string][]ResizeAction
}

func newAccountResults(allowResize bool) *AccountResults {
	results := &AccountResults{
		Started: map[string][]InstanceAction{},
		Stopped: map[string][]InstanceAction{},
	}
	if allowResize {
		results.Resized = map[string][]ResizeAction{}
	}
	return results
}

func (r *AccountResults) addStarted(region string, action InstanceAction) {
	r.Started[region] = append(r.Started[region], action)
}

func (r *AccountResults) addStopped(region string, action InstanceAction) {
	r.Stopped[region] = append(r.Stopped[region], action)
}

func (r *AccountResults) addResized(region string, action ResizeAction) {
	r.Resized[region] = append(r.Resized[region], action)
}

func (r *AccountResults) MarshalJSON() ([]byte, error) {
	doc := map[string]any{
		"started": r.Started,
		"stopped": r.Stopped,
	}
	if r.Resized != nil {
		doc["resized"] = r.Resized
	}
	return json.Marshal(doc)
}

// Results maps account names to their actions for one service cycle. Every
// account the fan-out yielded has an entry, actions or not; accounts skipped
// during fan-out do not appear.
type Results map[string]*AccountResults
