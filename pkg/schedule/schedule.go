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

// Package schedule models the user-authored policies that decide when an
// instance should run, and evaluates them at an instant.
package schedule

import (
	"time"

	"github.com/samber/lo"

	scherrors "github.com/fleetpark/fleetpark-aws/pkg/errors"
)

// Schedule is a named policy mapping wall-clock time to a desired instance
// state. A schedule with no active period wants its instances stopped.
type Schedule struct {
	Name        string
	Description string
	// Timezone the periods are expressed in; empty inherits the configuration
	// default.
	Timezone string
	// Override short-circuits evaluation to a fixed state.
	Override State
	// Enforced re-applies the desired state every cycle, overriding manual
	// operator actions.
	Enforced bool
	// RetainRunning suppresses the stop at a running→stopped boundary for
	// instances an operator started by hand.
	RetainRunning bool
	// StopNewInstances stops a first-sighted running instance whose desired
	// state is stopped; when false such instances get one cycle of grace.
	StopNewInstances bool
	// UseMaintenanceWindow lets a maintenance window force running outside
	// the schedule's own periods.
	UseMaintenanceWindow bool
	// SSMMaintenanceWindow names the SSM window consulted when
	// UseMaintenanceWindow is set (EC2 only; RDS carries its own window).
	SSMMaintenanceWindow string
	// UseMetrics overrides the configuration-wide metrics flag per schedule.
	UseMetrics *bool
	Periods    []RunPeriod
}

// Verdict is the outcome of evaluating a schedule at an instant.
type Verdict struct {
	State State
	// InstanceType is set only when the deciding period pins a machine type
	// that differs from the instance's current one.
	InstanceType string
	// Period names the deciding period, for metrics and logging.
	Period string
}

// Location resolves the schedule's time zone, falling back to the
// configuration default and then UTC. An unresolvable zone is a
// configuration error and aborts the cycle.
func (s *Schedule) Location(defaultTimezone string) (*time.Location, error) {
	name := lo.CoalesceOrEmpty(s.Timezone, defaultTimezone, "UTC")
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, scherrors.NewConfigurationError("unknown timezone %q for schedule %q, %w", name, s.Name, err)
	}
	return loc, nil
}

// DesiredState evaluates the schedule at the UTC instant `at`, expressed in
// the schedule's own time zone. A running verdict from any period wins; a
// nil-period RunPeriod contributes "any"; otherwise the schedule wants the
// instance stopped. When the winning period pins a machine type that differs
// from instanceType and the instance is currently running, the verdict is
// stopped_for_resize: the instance has to stop before it can restart at the
// pinned type.
func (s *Schedule) DesiredState(at time.Time, defaultTimezone string, instanceType string, isRunning bool) (Verdict, error) {
	if s.Override != "" {
		return Verdict{State: s.Override, Period: "override"}, nil
	}
	loc, err := s.Location(defaultTimezone)
	if err != nil {
		return Verdict{State: StateUnknown}, err
	}
	localAt := at.In(loc)

	var anySeen bool
	running := lo.Filter(s.Periods, func(rp RunPeriod, _ int) bool {
		if rp.Period == nil {
			anySeen = true
			return false
		}
		return rp.Period.Verdict(localAt) == StateRunning
	})
	if len(running) == 0 {
		if anySeen {
			return Verdict{State: StateAny}, nil
		}
		return Verdict{State: StateStopped}, nil
	}

	verdict := Verdict{State: StateRunning, Period: running[0].Period.Name}
	if pinned, ok := lo.Find(running, func(rp RunPeriod) bool { return rp.InstanceType != "" }); ok {
		verdict.InstanceType = pinned.InstanceType
	}
	if verdict.InstanceType == "" || verdict.InstanceType == instanceType {
		verdict.InstanceType = ""
		return verdict, nil
	}
	if isRunning {
		verdict.State = StateStoppedForResize
	}
	return verdict, nil
}
