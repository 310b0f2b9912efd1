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

package config_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/fleetpark/fleetpark-aws/pkg/config"
	scherrors "github.com/fleetpark/fleetpark-aws/pkg/errors"
	"github.com/fleetpark/fleetpark-aws/pkg/schedule"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config")
}

var _ = Describe("Tag Templates", func() {
	vars := config.TagVariables{
		Stack: "fleetpark",
		At:    time.Date(2024, 4, 9, 13, 5, 0, 0, time.UTC),
	}
	It("should split keys and values", func() {
		Expect(config.RenderTags("team=platform,owner=dba", vars)).To(Equal([]config.Tag{
			{Key: "team", Value: "platform"},
			{Key: "owner", Value: "dba"},
		}))
	})
	It("should fold a comma inside a value back onto the previous key", func() {
		Expect(config.RenderTags("notify=alice,bob,env=prod", vars)).To(Equal([]config.Tag{
			{Key: "notify", Value: "alice,bob"},
			{Key: "env", Value: "prod"},
		}))
	})
	It("should expand template variables with zero padding", func() {
		tags := config.RenderTags("stopped=by {scheduler} at {year}-{month}-{day} {hour}:{minute} {timezone}", vars)
		Expect(tags).To(HaveLen(1))
		Expect(tags[0].Value).To(Equal("by fleetpark at 2024-04-09 13:05 UTC"))
	})
	It("should leave unknown variables untouched", func() {
		tags := config.RenderTags("k={nope}-{year}", vars)
		Expect(tags[0].Value).To(Equal("{nope}-2024"))
	})
	It("should be idempotent", func() {
		once := config.RenderTags("k=run {scheduler} {hour}:{minute}", vars)
		twice := config.RenderTags(once[0].Key+"="+once[0].Value, vars)
		Expect(twice).To(Equal(once))
	})
	It("should drop platform-reserved keys", func() {
		tags := config.RenderTags("aws:cloudformation:stack=x,team=core,CloudFormation:id=y", vars)
		Expect(tags).To(Equal([]config.Tag{{Key: "team", Value: "core"}}))
	})
	It("should render nothing from an empty template", func() {
		Expect(config.RenderTags("", vars)).To(BeNil())
	})
})

var _ = Describe("Configuration Document", func() {
	var doc config.ConfigurationDocument
	BeforeEach(func() {
		doc = config.ConfigurationDocument{
			ScheduledServices: []string{"ec2"},
			SchedulerRoleName: "scheduler-role",
			Namespace:         "fleet",
			Periods: map[string]config.PeriodDocument{
				"office-hours": {BeginTime: "09:00", EndTime: "17:00", WeekDays: []int{0, 1, 2, 3, 4}},
			},
			Schedules: map[string]config.ScheduleDocument{
				"weekdays": {Periods: []string{"office-hours"}},
			},
		}
	})
	It("should resolve period references", func() {
		cfg, err := config.FromDocument(doc)
		Expect(err).ToNot(HaveOccurred())
		sched, ok := cfg.GetSchedule("weekdays")
		Expect(ok).To(BeTrue())
		Expect(sched.Periods).To(HaveLen(1))
		Expect(sched.Periods[0].Period.Name).To(Equal("office-hours"))
		Expect(sched.Periods[0].Period.BeginTime.String()).To(Equal("09:00"))
	})
	It("should translate store weekdays (0=Monday) to Go weekdays", func() {
		cfg := lo.Must(config.FromDocument(doc))
		sched, _ := cfg.GetSchedule("weekdays")
		Expect(sched.Periods[0].Period.WeekDays).To(Equal([]time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		}))
	})
	It("should pin an instance type from a name@type reference", func() {
		doc.Schedules["weekdays"] = config.ScheduleDocument{Periods: []string{"office-hours@m5.xlarge"}}
		cfg := lo.Must(config.FromDocument(doc))
		sched, _ := cfg.GetSchedule("weekdays")
		Expect(sched.Periods[0].InstanceType).To(Equal("m5.xlarge"))
	})
	It("should fail on an unknown period reference", func() {
		doc.Schedules["weekdays"] = config.ScheduleDocument{Periods: []string{"missing"}}
		_, err := config.FromDocument(doc)
		Expect(err).To(HaveOccurred())
		Expect(scherrors.IsConfigurationError(err)).To(BeTrue())
	})
	It("should default stop_new_instances to true", func() {
		cfg := lo.Must(config.FromDocument(doc))
		sched, _ := cfg.GetSchedule("weekdays")
		Expect(sched.StopNewInstances).To(BeTrue())
	})
	It("should reject an override other than running or stopped", func() {
		doc.Schedules["weekdays"] = config.ScheduleDocument{OverrideStatus: "paused"}
		_, err := config.FromDocument(doc)
		Expect(err).To(HaveOccurred())
	})
	It("should default tag name, timezone and partition", func() {
		cfg := lo.Must(config.FromDocument(doc))
		Expect(cfg.TagName).To(Equal("Schedule"))
		Expect(cfg.DefaultTimezone).To(Equal("UTC"))
		Expect(cfg.AWSPartition).To(Equal("aws"))
	})
})

var _ = Describe("Validation", func() {
	var cfg *config.SchedulerConfiguration
	BeforeEach(func() {
		cfg = &config.SchedulerConfiguration{
			ScheduledServices: []string{"ec2", "rds"},
			TagName:           "Schedule",
			DefaultTimezone:   "UTC",
			AWSPartition:      "aws",
			SchedulerRoleName: "scheduler-role",
			Schedules: map[string]*schedule.Schedule{
				"weekdays": {Name: "weekdays"},
			},
		}
	})
	It("should accept a complete configuration", func() {
		Expect(cfg.Validate()).To(Succeed())
	})
	It("should reject an unknown service", func() {
		cfg.ScheduledServices = []string{"lambda"}
		Expect(cfg.Validate()).ToNot(Succeed())
	})
	It("should reject an empty service list", func() {
		cfg.ScheduledServices = nil
		Expect(cfg.Validate()).ToNot(Succeed())
	})
	It("should reject an unknown default timezone as a configuration error", func() {
		cfg.DefaultTimezone = "Mars/Olympus_Mons"
		err := cfg.Validate()
		Expect(err).To(HaveOccurred())
		Expect(scherrors.IsConfigurationError(err)).To(BeTrue())
	})
	It("should reject a schedule with an unknown timezone", func() {
		cfg.Schedules["weekdays"].Timezone = "Not/AZone"
		Expect(cfg.Validate()).ToNot(Succeed())
	})
	It("should build the cross-account role ARN from partition, namespace and role name", func() {
		cfg.Namespace = "fleet"
		Expect(cfg.RoleARN("123456789012")).To(Equal("arn:aws:iam::123456789012:role/fleet-scheduler-role"))
	})
})
