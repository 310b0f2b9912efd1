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

package schedule_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	scherrors "github.com/fleetpark/fleetpark-aws/pkg/errors"
	"github.com/fleetpark/fleetpark-aws/pkg/schedule"
)

func TestSchedule(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Schedule")
}

func timeOfDay(s string) *schedule.TimeOfDay {
	return lo.ToPtr(lo.Must(schedule.ParseTimeOfDay(s)))
}

var _ = Describe("TimeOfDay", func() {
	It("should parse and render 24-hour times", func() {
		tod, err := schedule.ParseTimeOfDay("09:05")
		Expect(err).ToNot(HaveOccurred())
		Expect(tod.Hour).To(Equal(9))
		Expect(tod.Minute).To(Equal(5))
		Expect(tod.String()).To(Equal("09:05"))
	})
	It("should reject out-of-range times", func() {
		_, err := schedule.ParseTimeOfDay("24:00")
		Expect(err).To(HaveOccurred())
		_, err = schedule.ParseTimeOfDay("12:60")
		Expect(err).To(HaveOccurred())
	})
	It("should wrap when adding across midnight", func() {
		Expect(schedule.NewTimeOfDay(23, 50).Add(20 * time.Minute)).To(Equal(schedule.NewTimeOfDay(0, 10)))
		Expect(schedule.NewTimeOfDay(0, 5).Add(-10 * time.Minute)).To(Equal(schedule.NewTimeOfDay(23, 55)))
	})
})

var _ = Describe("Period", func() {
	var period *schedule.Period
	BeforeEach(func() {
		period = &schedule.Period{
			Name:      "office-hours",
			BeginTime: timeOfDay("09:00"),
			EndTime:   timeOfDay("17:00"),
		}
	})
	It("should run inside the window, bounds inclusive", func() {
		Expect(period.Verdict(time.Date(2024, 4, 9, 9, 0, 0, 0, time.UTC))).To(Equal(schedule.StateRunning))
		Expect(period.Verdict(time.Date(2024, 4, 9, 12, 30, 0, 0, time.UTC))).To(Equal(schedule.StateRunning))
		Expect(period.Verdict(time.Date(2024, 4, 9, 17, 0, 0, 0, time.UTC))).To(Equal(schedule.StateRunning))
	})
	It("should stop outside the window", func() {
		Expect(period.Verdict(time.Date(2024, 4, 9, 8, 59, 0, 0, time.UTC))).To(Equal(schedule.StateStopped))
		Expect(period.Verdict(time.Date(2024, 4, 9, 17, 1, 0, 0, time.UTC))).To(Equal(schedule.StateStopped))
	})
	It("should wrap midnight when begin is after end", func() {
		period.BeginTime = timeOfDay("22:00")
		period.EndTime = timeOfDay("02:00")
		Expect(period.Verdict(time.Date(2024, 4, 9, 23, 30, 0, 0, time.UTC))).To(Equal(schedule.StateRunning))
		Expect(period.Verdict(time.Date(2024, 4, 9, 1, 30, 0, 0, time.UTC))).To(Equal(schedule.StateRunning))
		Expect(period.Verdict(time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC))).To(Equal(schedule.StateStopped))
	})
	It("should run from begin to end of day when end is open", func() {
		period.EndTime = nil
		Expect(period.Verdict(time.Date(2024, 4, 9, 23, 59, 0, 0, time.UTC))).To(Equal(schedule.StateRunning))
		Expect(period.Verdict(time.Date(2024, 4, 9, 8, 0, 0, 0, time.UTC))).To(Equal(schedule.StateStopped))
	})
	It("should run from start of day until end when begin is open", func() {
		period.BeginTime = nil
		Expect(period.Verdict(time.Date(2024, 4, 9, 0, 0, 0, 0, time.UTC))).To(Equal(schedule.StateRunning))
		Expect(period.Verdict(time.Date(2024, 4, 9, 17, 1, 0, 0, time.UTC))).To(Equal(schedule.StateStopped))
	})
	It("should run all day when both bounds are open", func() {
		period.BeginTime = nil
		period.EndTime = nil
		Expect(period.Verdict(time.Date(2024, 4, 9, 3, 0, 0, 0, time.UTC))).To(Equal(schedule.StateRunning))
	})
	It("should respect weekday selectors", func() {
		period.WeekDays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
		// 2024-04-06 is a Saturday, 2024-04-09 a Tuesday
		Expect(period.Verdict(time.Date(2024, 4, 6, 12, 0, 0, 0, time.UTC))).To(Equal(schedule.StateStopped))
		Expect(period.Verdict(time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC))).To(Equal(schedule.StateRunning))
	})
	It("should respect month and monthday selectors", func() {
		period.Months = []time.Month{time.April}
		period.MonthDays = []int{9}
		Expect(period.Verdict(time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC))).To(Equal(schedule.StateRunning))
		Expect(period.Verdict(time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC))).To(Equal(schedule.StateStopped))
		Expect(period.Verdict(time.Date(2024, 5, 9, 12, 0, 0, 0, time.UTC))).To(Equal(schedule.StateStopped))
	})
})

var _ = Describe("Schedule", func() {
	var sched *schedule.Schedule
	BeforeEach(func() {
		sched = &schedule.Schedule{
			Name:     "office-hours",
			Timezone: "UTC",
			Periods: []schedule.RunPeriod{
				{Period: &schedule.Period{Name: "weekdays", BeginTime: timeOfDay("09:00"), EndTime: timeOfDay("17:00")}},
			},
		}
	})
	It("should want running inside a period and stopped outside", func() {
		verdict, err := sched.DesiredState(time.Date(2024, 4, 9, 10, 0, 0, 0, time.UTC), "UTC", "m5.large", false)
		Expect(err).ToNot(HaveOccurred())
		Expect(verdict.State).To(Equal(schedule.StateRunning))
		Expect(verdict.Period).To(Equal("weekdays"))

		verdict, err = sched.DesiredState(time.Date(2024, 4, 9, 18, 0, 0, 0, time.UTC), "UTC", "m5.large", true)
		Expect(err).ToNot(HaveOccurred())
		Expect(verdict.State).To(Equal(schedule.StateStopped))
	})
	It("should evaluate in the schedule's own time zone", func() {
		sched.Timezone = "America/New_York"
		// 14:00 UTC is 10:00 in New York during DST
		verdict, err := sched.DesiredState(time.Date(2024, 4, 9, 14, 0, 0, 0, time.UTC), "UTC", "m5.large", false)
		Expect(err).ToNot(HaveOccurred())
		Expect(verdict.State).To(Equal(schedule.StateRunning))
		// 12:00 UTC is 08:00 in New York
		verdict, err = sched.DesiredState(time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC), "UTC", "m5.large", false)
		Expect(err).ToNot(HaveOccurred())
		Expect(verdict.State).To(Equal(schedule.StateStopped))
	})
	It("should inherit the default time zone when the schedule has none", func() {
		sched.Timezone = ""
		verdict, err := sched.DesiredState(time.Date(2024, 4, 9, 14, 0, 0, 0, time.UTC), "America/New_York", "m5.large", false)
		Expect(err).ToNot(HaveOccurred())
		Expect(verdict.State).To(Equal(schedule.StateRunning))
	})
	It("should fail with a configuration error on an unknown time zone", func() {
		sched.Timezone = "Mars/Olympus_Mons"
		_, err := sched.DesiredState(time.Date(2024, 4, 9, 14, 0, 0, 0, time.UTC), "UTC", "m5.large", false)
		Expect(err).To(HaveOccurred())
		Expect(scherrors.IsConfigurationError(err)).To(BeTrue())
	})
	It("should short-circuit on an override", func() {
		sched.Override = schedule.StateRunning
		verdict, err := sched.DesiredState(time.Date(2024, 4, 9, 3, 0, 0, 0, time.UTC), "UTC", "m5.large", false)
		Expect(err).ToNot(HaveOccurred())
		Expect(verdict.State).To(Equal(schedule.StateRunning))
		Expect(verdict.Period).To(Equal("override"))
	})
	It("should let any running period win over stopped ones", func() {
		sched.Periods = append(sched.Periods, schedule.RunPeriod{
			Period: &schedule.Period{Name: "evenings", BeginTime: timeOfDay("20:00"), EndTime: timeOfDay("22:00")},
		})
		verdict, err := sched.DesiredState(time.Date(2024, 4, 9, 21, 0, 0, 0, time.UTC), "UTC", "m5.large", false)
		Expect(err).ToNot(HaveOccurred())
		Expect(verdict.State).To(Equal(schedule.StateRunning))
		Expect(verdict.Period).To(Equal("evenings"))
	})
	It("should report any when only a nil period matches", func() {
		sched.Periods = []schedule.RunPeriod{{Period: nil}}
		verdict, err := sched.DesiredState(time.Date(2024, 4, 9, 10, 0, 0, 0, time.UTC), "UTC", "m5.large", true)
		Expect(err).ToNot(HaveOccurred())
		Expect(verdict.State).To(Equal(schedule.StateAny))
	})
	Context("with a pinned instance type", func() {
		BeforeEach(func() {
			sched.Periods[0].InstanceType = "m5.xlarge"
		})
		It("should report the pinned type for a stopped instance", func() {
			verdict, err := sched.DesiredState(time.Date(2024, 4, 9, 10, 0, 0, 0, time.UTC), "UTC", "m5.large", false)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.State).To(Equal(schedule.StateRunning))
			Expect(verdict.InstanceType).To(Equal("m5.xlarge"))
		})
		It("should want a stop for resize when the instance runs at the wrong type", func() {
			verdict, err := sched.DesiredState(time.Date(2024, 4, 9, 10, 0, 0, 0, time.UTC), "UTC", "m5.large", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.State).To(Equal(schedule.StateStoppedForResize))
			Expect(verdict.InstanceType).To(Equal("m5.xlarge"))
		})
		It("should not report a type when the instance already matches", func() {
			verdict, err := sched.DesiredState(time.Date(2024, 4, 9, 10, 0, 0, 0, time.UTC), "UTC", "m5.xlarge", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.State).To(Equal(schedule.StateRunning))
			Expect(verdict.InstanceType).To(BeEmpty())
		})
	})
})
