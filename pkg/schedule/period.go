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

import (
	"time"

	"github.com/samber/lo"
)

// Period is a recurring interval during which instances should run. Day
// selectors that are left empty match every day; time bounds that are left
// nil extend to the edge of the day.
type Period struct {
	Name      string
	BeginTime *TimeOfDay
	EndTime   *TimeOfDay
	WeekDays  []time.Weekday
	Months    []time.Month
	MonthDays []int
}

// RunPeriod binds a period into a schedule, optionally pinning the machine
// type instances should run at while the period is active.
type RunPeriod struct {
	Period       *Period
	InstanceType string
}

// Verdict reports the state the period wants at the local instant t:
// StateRunning inside the period, StateStopped outside it.
func (p *Period) Verdict(t time.Time) State {
	if !p.matchesDay(t) {
		return StateStopped
	}
	now := TimeOfDayFromTime(t)
	switch {
	case p.BeginTime == nil && p.EndTime == nil:
		return StateRunning
	case p.EndTime == nil:
		return lo.Ternary(now.MinuteOfDay() >= p.BeginTime.MinuteOfDay(), StateRunning, StateStopped)
	case p.BeginTime == nil:
		return lo.Ternary(now.MinuteOfDay() <= p.EndTime.MinuteOfDay(), StateRunning, StateStopped)
	}
	begin, end, cur := p.BeginTime.MinuteOfDay(), p.EndTime.MinuteOfDay(), now.MinuteOfDay()
	if begin > end {
		// window wraps midnight
		return lo.Ternary(cur >= begin || cur <= end, StateRunning, StateStopped)
	}
	return lo.Ternary(cur >= begin && cur <= end, StateRunning, StateStopped)
}

func (p *Period) matchesDay(t time.Time) bool {
	if len(p.WeekDays) > 0 && !lo.Contains(p.WeekDays, t.Weekday()) {
		return false
	}
	if len(p.Months) > 0 && !lo.Contains(p.Months, t.Month()) {
		return false
	}
	if len(p.MonthDays) > 0 && !lo.Contains(p.MonthDays, t.Day()) {
		return false
	}
	return true
}
