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

package ec2_test

import (
	"context"
	"iter"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	awssdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
	"github.com/fleetpark/fleetpark-aws/pkg/config"
	"github.com/fleetpark/fleetpark-aws/pkg/fake"
	"github.com/fleetpark/fleetpark-aws/pkg/schedule"
	"github.com/fleetpark/fleetpark-aws/pkg/services"
	ec2service "github.com/fleetpark/fleetpark-aws/pkg/services/ec2"
)

var (
	ctx     context.Context
	ec2api  *fake.EC2API
	windows *windowsStub
	service *ec2service.DefaultService
	params  services.SchedulingParameters
)

type windowsStub struct {
	windows map[string]*schedule.Schedule
	err     error
	calls   int
}

func (w *windowsStub) Windows(_ context.Context, _ aws.Config, _, _ string, _ []string) (map[string]*schedule.Schedule, error) {
	w.calls++
	return w.windows, w.err
}

func TestEC2(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "EC2Service")
}

var _ = BeforeSuite(func() {
	ec2api = fake.NewEC2API()
})

var _ = BeforeEach(func() {
	ctx = context.Background()
	ec2api.Reset()
	windows = &windowsStub{}
	service = ec2service.NewDefaultService(windows, func(aws.Config, string) awssdk.EC2API { return ec2api })
	params = services.SchedulingParameters{
		Account: "111122223333",
		Region:  "us-east-1",
		Stack:   "fleetpark",
		Configuration: &config.SchedulerConfiguration{
			ScheduledServices: []string{config.ServiceEC2},
			TagName:           config.DefaultTagName,
			DefaultTimezone:   "UTC",
			AWSPartition:      "aws",
			SchedulerRoleName: "scheduler-role",
			Namespace:         "fleetpark",
			Schedules: map[string]*schedule.Schedule{
				"office-hours": {Name: "office-hours"},
			},
		},
	}
})

func taggedInstance(id, scheduleName string, code int32, stateName ec2types.InstanceStateName, instanceType string) ec2types.Instance {
	return ec2types.Instance{
		InstanceId:   aws.String(id),
		InstanceType: ec2types.InstanceType(instanceType),
		State:        &ec2types.InstanceState{Name: stateName, Code: aws.Int32(code)},
		Tags: []ec2types.Tag{
			{Key: aws.String(config.DefaultTagName), Value: aws.String(scheduleName)},
			{Key: aws.String("Name"), Value: aws.String("web-" + id)},
		},
	}
}

func collectInstances(seq iter.Seq2[*services.Instance, error]) ([]*services.Instance, error) {
	var out []*services.Instance
	for instance, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, instance)
	}
	return out, nil
}

func collectChanges(seq iter.Seq2[services.StateChange, error]) ([]services.StateChange, error) {
	var out []services.StateChange
	for change, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, change)
	}
	return out, nil
}

var _ = Describe("EC2Service", func() {
	Context("SchedulableInstances", func() {
		It("yields tagged instances with their schedule and lifecycle state", func() {
			ec2api.AddInstances(
				taggedInstance("i-running", "office-hours", 16, ec2types.InstanceStateNameRunning, "m5.large"),
				taggedInstance("i-stopped", "office-hours", 80, ec2types.InstanceStateNameStopped, "t3.micro"),
				ec2types.Instance{
					InstanceId: aws.String("i-untagged"),
					State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning, Code: aws.Int32(16)},
				},
			)
			instances, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).ToNot(HaveOccurred())
			Expect(instances).To(HaveLen(2))

			byID := lo.SliceToMap(instances, func(i *services.Instance) (string, *services.Instance) { return i.ID, i })
			Expect(byID["i-running"].State).To(Equal(schedule.StateRunning))
			Expect(byID["i-running"].IsRunning()).To(BeTrue())
			Expect(byID["i-running"].InstanceType).To(Equal("m5.large"))
			Expect(byID["i-running"].Schedule).To(Equal("office-hours"))
			Expect(byID["i-running"].Name).To(Equal("web-i-running"))
			Expect(byID["i-running"].Service).To(Equal(config.ServiceEC2))
			Expect(byID["i-stopped"].State).To(Equal(schedule.StateStopped))
		})
		It("yields terminated instances so their records can be dropped", func() {
			ec2api.AddInstances(taggedInstance("i-gone", "office-hours", 48, ec2types.InstanceStateNameTerminated, "m5.large"))
			instances, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).ToNot(HaveOccurred())
			Expect(instances).To(HaveLen(1))
			Expect(instances[0].IsTerminated()).To(BeTrue())
		})
		It("masks internal flag bits when mapping state codes", func() {
			ec2api.AddInstances(taggedInstance("i-flagged", "office-hours", 272, ec2types.InstanceStateNameRunning, "m5.large"))
			instances, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).ToNot(HaveOccurred())
			Expect(instances).To(HaveLen(1))
			Expect(instances[0].State).To(Equal(schedule.StateRunning))
		})
		It("surfaces describe failures", func() {
			ec2api.DescribeInstancesBehavior.Error.Set(&smithy.GenericAPIError{Code: "RequestLimitExceeded"})
			_, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).To(HaveOccurred())
		})
		It("stops describing when the consumer breaks early", func() {
			ec2api.AddInstances(
				taggedInstance("i-1", "office-hours", 16, ec2types.InstanceStateNameRunning, "m5.large"),
				taggedInstance("i-2", "office-hours", 16, ec2types.InstanceStateNameRunning, "m5.large"),
			)
			var seen int
			for _, err := range service.SchedulableInstances(ctx, params) {
				Expect(err).ToNot(HaveOccurred())
				seen++
				break
			}
			Expect(seen).To(Equal(1))
		})
	})

	Context("maintenance windows", func() {
		BeforeEach(func() {
			params.Configuration.Schedules["patching"] = &schedule.Schedule{
				Name:                 "patching",
				UseMaintenanceWindow: true,
				SSMMaintenanceWindow: "patch-tuesday",
			}
			windows.windows = map[string]*schedule.Schedule{"patch-tuesday": {Name: "patch-tuesday"}}
		})
		It("attaches the resolved window to instances whose schedule opts in", func() {
			params.Configuration.EnableSSMMaintenanceWindows = true
			ec2api.AddInstances(
				taggedInstance("i-patched", "patching", 16, ec2types.InstanceStateNameRunning, "m5.large"),
				taggedInstance("i-plain", "office-hours", 16, ec2types.InstanceStateNameRunning, "m5.large"),
			)
			instances, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).ToNot(HaveOccurred())

			byID := lo.SliceToMap(instances, func(i *services.Instance) (string, *services.Instance) { return i.ID, i })
			Expect(byID["i-patched"].MaintenanceWindow).ToNot(BeNil())
			Expect(byID["i-patched"].MaintenanceWindow.Name).To(Equal("patch-tuesday"))
			Expect(byID["i-plain"].MaintenanceWindow).To(BeNil())
			Expect(windows.calls).To(Equal(1))
		})
		It("does not consult the window provider when windows are disabled", func() {
			ec2api.AddInstances(taggedInstance("i-patched", "patching", 16, ec2types.InstanceStateNameRunning, "m5.large"))
			instances, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).ToNot(HaveOccurred())
			Expect(instances[0].MaintenanceWindow).To(BeNil())
			Expect(windows.calls).To(BeZero())
		})
		It("schedules without windows when resolution fails", func() {
			params.Configuration.EnableSSMMaintenanceWindows = true
			windows.err = &smithy.GenericAPIError{Code: "InternalServerError"}
			ec2api.AddInstances(taggedInstance("i-patched", "patching", 16, ec2types.InstanceStateNameRunning, "m5.large"))
			instances, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).ToNot(HaveOccurred())
			Expect(instances).To(HaveLen(1))
			Expect(instances[0].MaintenanceWindow).To(BeNil())
		})
	})

	Context("Start", func() {
		var batch []*services.Instance
		BeforeEach(func() {
			ec2api.AddInstances(
				taggedInstance("i-1", "office-hours", 80, ec2types.InstanceStateNameStopped, "m5.large"),
				taggedInstance("i-2", "office-hours", 80, ec2types.InstanceStateNameStopped, "m5.large"),
				taggedInstance("i-3", "office-hours", 80, ec2types.InstanceStateNameStopped, "m5.large"),
			)
			batch = []*services.Instance{{ID: "i-1"}, {ID: "i-2"}, {ID: "i-3"}}
		})
		It("starts the batch and yields running for every started instance", func() {
			changes, err := collectChanges(service.Start(ctx, services.StartParameters{
				SchedulingParameters: params,
				Instances:            batch,
			}))
			Expect(err).ToNot(HaveOccurred())
			Expect(changes).To(HaveLen(3))
			for _, change := range changes {
				Expect(change.State).To(Equal(schedule.StateRunning))
			}
			Expect(ec2api.StartInstancesBehavior.SuccessfulCalls()).To(Equal(1))
		})
		It("applies started tags and removes stopped tag keys", func() {
			ec2api.AddInstances(ec2types.Instance{
				InstanceId: aws.String("i-tagged"),
				State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNameStopped, Code: aws.Int32(80)},
				Tags: []ec2types.Tag{
					{Key: aws.String(config.DefaultTagName), Value: aws.String("office-hours")},
					{Key: aws.String("StoppedBy"), Value: aws.String("fleetpark")},
				},
			})
			_, err := collectChanges(service.Start(ctx, services.StartParameters{
				SchedulingParameters: params,
				Instances:            []*services.Instance{{ID: "i-tagged"}},
				Tags:                 []config.Tag{{Key: "StartedBy", Value: "fleetpark"}},
				DeleteTagKeys:        []string{"StoppedBy"},
			}))
			Expect(err).ToNot(HaveOccurred())

			instance, ok := ec2api.Instance("i-tagged")
			Expect(ok).To(BeTrue())
			tags := lo.SliceToMap(instance.Tags, func(t ec2types.Tag) (string, string) {
				return aws.ToString(t.Key), aws.ToString(t.Value)
			})
			Expect(tags).To(HaveKeyWithValue("StartedBy", "fleetpark"))
			Expect(tags).ToNot(HaveKey("StoppedBy"))
		})
		It("falls back to one call per instance when the batch fails", func() {
			ec2api.StartInstancesBehavior.Error.Set(&smithy.GenericAPIError{Code: "InvalidParameterValue"}, fake.MaxCalls(1))
			changes, err := collectChanges(service.Start(ctx, services.StartParameters{
				SchedulingParameters: params,
				Instances:            batch,
			}))
			Expect(err).ToNot(HaveOccurred())
			Expect(changes).To(HaveLen(3))
			Expect(ec2api.StartInstancesBehavior.FailedCalls()).To(Equal(1))
			Expect(ec2api.StartInstancesBehavior.SuccessfulCalls()).To(Equal(3))
		})
		It("yields nothing for an instance that keeps failing", func() {
			ec2api.StartInstancesBehavior.Error.Set(&smithy.GenericAPIError{Code: "IncorrectInstanceState"}, fake.MaxCalls(2))
			changes, err := collectChanges(service.Start(ctx, services.StartParameters{
				SchedulingParameters: params,
				Instances:            batch,
			}))
			Expect(err).ToNot(HaveOccurred())
			Expect(changes).To(HaveLen(2))
		})
		It("aborts instead of retrying one at a time when throttled", func() {
			ec2api.StartInstancesBehavior.Error.Set(&smithy.GenericAPIError{Code: "RequestLimitExceeded"})
			_, err := collectChanges(service.Start(ctx, services.StartParameters{
				SchedulingParameters: params,
				Instances:            batch,
			}))
			Expect(err).To(HaveOccurred())
			Expect(ec2api.StartInstancesBehavior.Calls()).To(Equal(1))
		})
	})

	Context("Stop", func() {
		It("stops the batch and yields stopped for every stopped instance", func() {
			ec2api.AddInstances(
				taggedInstance("i-1", "office-hours", 16, ec2types.InstanceStateNameRunning, "m5.large"),
				taggedInstance("i-2", "office-hours", 16, ec2types.InstanceStateNameRunning, "m5.large"),
			)
			changes, err := collectChanges(service.Stop(ctx, services.StopParameters{
				SchedulingParameters: params,
				Instances:            []*services.Instance{{ID: "i-1"}, {ID: "i-2"}},
			}))
			Expect(err).ToNot(HaveOccurred())
			Expect(changes).To(HaveLen(2))
			for _, change := range changes {
				Expect(change.State).To(Equal(schedule.StateStopped))
			}
		})
	})

	Context("Resize", func() {
		It("modifies the instance type", func() {
			ec2api.AddInstances(taggedInstance("i-resize", "office-hours", 80, ec2types.InstanceStateNameStopped, "m5.large"))
			err := service.Resize(ctx, params, &services.Instance{ID: "i-resize", Service: config.ServiceEC2}, "m5.xlarge")
			Expect(err).ToNot(HaveOccurred())

			instance, ok := ec2api.Instance("i-resize")
			Expect(ok).To(BeTrue())
			Expect(string(instance.InstanceType)).To(Equal("m5.xlarge"))
		})
		It("returns the failure so the caller can skip the start", func() {
			ec2api.ModifyInstanceAttributeBehavior.Error.Set(&smithy.GenericAPIError{Code: "IncorrectInstanceState"})
			err := service.Resize(ctx, params, &services.Instance{ID: "i-resize", Service: config.ServiceEC2}, "m5.xlarge")
			Expect(err).To(HaveOccurred())
		})
		It("reports resize support", func() {
			Expect(service.AllowResize()).To(BeTrue())
			Expect(service.ServiceName()).To(Equal(config.ServiceEC2))
		})
	})
})
