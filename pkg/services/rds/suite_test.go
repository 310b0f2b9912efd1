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

package rds_test

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	awssdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
	"github.com/fleetpark/fleetpark-aws/pkg/config"
	"github.com/fleetpark/fleetpark-aws/pkg/fake"
	"github.com/fleetpark/fleetpark-aws/pkg/schedule"
	"github.com/fleetpark/fleetpark-aws/pkg/services"
	rdsservice "github.com/fleetpark/fleetpark-aws/pkg/services/rds"
)

var (
	ctx     context.Context
	rdsapi  *fake.RDSAPI
	service *rdsservice.DefaultService
	params  services.SchedulingParameters
)

func TestRDS(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "RDSService")
}

var _ = BeforeSuite(func() {
	rdsapi = fake.NewRDSAPI()
})

var _ = BeforeEach(func() {
	ctx = context.Background()
	rdsapi.Reset()
	service = rdsservice.NewDefaultService(func(aws.Config, string) awssdk.RDSAPI { return rdsapi })
	params = services.SchedulingParameters{
		Account: "111122223333",
		Region:  "us-east-1",
		Stack:   "fleetpark",
		Configuration: &config.SchedulerConfiguration{
			ScheduledServices: []string{config.ServiceRDS},
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

func taggedDBInstance(id, scheduleName, status, class string) rdstypes.DBInstance {
	return rdstypes.DBInstance{
		DBInstanceIdentifier: aws.String(id),
		DBInstanceArn:        aws.String("arn:aws:rds:us-east-1:111122223333:db:" + id),
		DBInstanceClass:      aws.String(class),
		DBInstanceStatus:     aws.String(status),
		TagList: []rdstypes.Tag{
			{Key: aws.String(config.DefaultTagName), Value: aws.String(scheduleName)},
		},
	}
}

func taggedDBCluster(id, scheduleName, status string) rdstypes.DBCluster {
	return rdstypes.DBCluster{
		DBClusterIdentifier: aws.String(id),
		DBClusterArn:        aws.String("arn:aws:rds:us-east-1:111122223333:cluster:" + id),
		Status:              aws.String(status),
		TagList: []rdstypes.Tag{
			{Key: aws.String(config.DefaultTagName), Value: aws.String(scheduleName)},
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

var _ = Describe("RDSService", func() {
	Context("SchedulableInstances", func() {
		It("yields tagged instances in settled lifecycle states", func() {
			rdsapi.AddDBInstances(
				taggedDBInstance("db-up", "office-hours", "available", "db.m5.large"),
				taggedDBInstance("db-down", "office-hours", "stopped", "db.t3.micro"),
				rdstypes.DBInstance{
					DBInstanceIdentifier: aws.String("db-untagged"),
					DBInstanceStatus:     aws.String("available"),
				},
			)
			instances, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).ToNot(HaveOccurred())
			Expect(instances).To(HaveLen(2))

			byID := lo.SliceToMap(instances, func(i *services.Instance) (string, *services.Instance) { return i.ID, i })
			Expect(byID["db-up"].State).To(Equal(schedule.StateRunning))
			Expect(byID["db-up"].InstanceType).To(Equal("db.m5.large"))
			Expect(byID["db-up"].Schedule).To(Equal("office-hours"))
			Expect(byID["db-up"].Service).To(Equal(config.ServiceRDS))
			Expect(byID["db-up"].ARN).To(Equal("arn:aws:rds:us-east-1:111122223333:db:db-up"))
			Expect(byID["db-up"].IsCluster).To(BeFalse())
			Expect(byID["db-down"].State).To(Equal(schedule.StateStopped))
		})
		It("skips cluster members, they follow their cluster", func() {
			member := taggedDBInstance("db-member", "office-hours", "available", "db.r5.large")
			member.DBClusterIdentifier = aws.String("aurora-prod")
			rdsapi.AddDBInstances(member)
			instances, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).ToNot(HaveOccurred())
			Expect(instances).To(BeEmpty())
		})
		It("skips instances in transitional lifecycle states", func() {
			rdsapi.AddDBInstances(
				taggedDBInstance("db-backing-up", "office-hours", "backing-up", "db.m5.large"),
				taggedDBInstance("db-modifying", "office-hours", "modifying", "db.m5.large"),
				taggedDBInstance("db-starting", "office-hours", "starting", "db.m5.large"),
			)
			instances, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).ToNot(HaveOccurred())
			Expect(instances).To(BeEmpty())
		})
		It("yields deleting instances as terminated so their records can be dropped", func() {
			rdsapi.AddDBInstances(taggedDBInstance("db-gone", "office-hours", "deleting", "db.m5.large"))
			instances, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).ToNot(HaveOccurred())
			Expect(instances).To(HaveLen(1))
			Expect(instances[0].IsTerminated()).To(BeTrue())
		})
		It("ignores clusters unless cluster scheduling is enabled", func() {
			rdsapi.AddDBClusters(taggedDBCluster("aurora-prod", "office-hours", "available"))
			instances, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).ToNot(HaveOccurred())
			Expect(instances).To(BeEmpty())
			Expect(rdsapi.DescribeDBClustersBehavior.Calls()).To(BeZero())
		})
		It("yields tagged clusters when cluster scheduling is enabled", func() {
			params.Configuration.ScheduleClusters = true
			rdsapi.AddDBClusters(
				taggedDBCluster("aurora-prod", "office-hours", "available"),
				rdstypes.DBCluster{
					DBClusterIdentifier: aws.String("aurora-untagged"),
					Status:              aws.String("available"),
				},
			)
			instances, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).ToNot(HaveOccurred())
			Expect(instances).To(HaveLen(1))
			Expect(instances[0].ID).To(Equal("aurora-prod"))
			Expect(instances[0].IsCluster).To(BeTrue())
			Expect(instances[0].InstanceType).To(Equal("cluster"))
			Expect(instances[0].ARN).To(Equal("arn:aws:rds:us-east-1:111122223333:cluster:aurora-prod"))
		})
		It("surfaces describe failures", func() {
			rdsapi.DescribeDBInstancesBehavior.Error.Set(&smithy.GenericAPIError{Code: "Throttling"})
			_, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).To(HaveOccurred())
		})
	})

	Context("maintenance windows", func() {
		BeforeEach(func() {
			params.Configuration.Schedules["patching"] = &schedule.Schedule{
				Name:                 "patching",
				UseMaintenanceWindow: true,
			}
		})
		It("derives a running period from the preferred window", func() {
			db := taggedDBInstance("db-patch", "patching", "available", "db.m5.large")
			db.PreferredMaintenanceWindow = aws.String("thu:02:00-thu:03:00")
			rdsapi.AddDBInstances(db)

			instances, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).ToNot(HaveOccurred())
			Expect(instances).To(HaveLen(1))
			window := instances[0].MaintenanceWindow
			Expect(window).ToNot(BeNil())

			// 2024-04-11 is a Thursday
			verdict, err := window.DesiredState(time.Date(2024, time.April, 11, 2, 30, 0, 0, time.UTC), "UTC", "", false)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.State).To(Equal(schedule.StateRunning))

			verdict, err = window.DesiredState(time.Date(2024, time.April, 11, 4, 0, 0, 0, time.UTC), "UTC", "", false)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.State).To(Equal(schedule.StateStopped))
		})
		It("splits a window crossing midnight into periods on both days", func() {
			db := taggedDBInstance("db-patch", "patching", "available", "db.m5.large")
			db.PreferredMaintenanceWindow = aws.String("sun:23:30-mon:00:30")
			rdsapi.AddDBInstances(db)

			instances, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).ToNot(HaveOccurred())
			window := instances[0].MaintenanceWindow
			Expect(window).ToNot(BeNil())
			Expect(window.Periods).To(HaveLen(2))

			// 2024-04-14 is a Sunday
			verdict, err := window.DesiredState(time.Date(2024, time.April, 14, 23, 45, 0, 0, time.UTC), "UTC", "", false)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.State).To(Equal(schedule.StateRunning))

			verdict, err = window.DesiredState(time.Date(2024, time.April, 15, 0, 15, 0, 0, time.UTC), "UTC", "", false)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.State).To(Equal(schedule.StateRunning))

			verdict, err = window.DesiredState(time.Date(2024, time.April, 15, 1, 0, 0, 0, time.UTC), "UTC", "", false)
			Expect(err).ToNot(HaveOccurred())
			Expect(verdict.State).To(Equal(schedule.StateStopped))
		})
		It("ignores the window when the schedule does not opt in", func() {
			db := taggedDBInstance("db-plain", "office-hours", "available", "db.m5.large")
			db.PreferredMaintenanceWindow = aws.String("thu:02:00-thu:03:00")
			rdsapi.AddDBInstances(db)

			instances, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).ToNot(HaveOccurred())
			Expect(instances[0].MaintenanceWindow).To(BeNil())
		})
		It("schedules without a window when the expression cannot be parsed", func() {
			db := taggedDBInstance("db-patch", "patching", "available", "db.m5.large")
			db.PreferredMaintenanceWindow = aws.String("whenever")
			rdsapi.AddDBInstances(db)

			instances, err := collectInstances(service.SchedulableInstances(ctx, params))
			Expect(err).ToNot(HaveOccurred())
			Expect(instances).To(HaveLen(1))
			Expect(instances[0].MaintenanceWindow).To(BeNil())
		})
	})

	Context("Start", func() {
		It("starts instances and clusters through their own operations", func() {
			rdsapi.AddDBInstances(taggedDBInstance("db-1", "office-hours", "stopped", "db.m5.large"))
			rdsapi.AddDBClusters(taggedDBCluster("aurora-1", "office-hours", "stopped"))

			changes, err := collectChanges(service.Start(ctx, services.StartParameters{
				SchedulingParameters: params,
				Instances: []*services.Instance{
					{ID: "db-1", ARN: "arn:aws:rds:us-east-1:111122223333:db:db-1"},
					{ID: "aurora-1", IsCluster: true, ARN: "arn:aws:rds:us-east-1:111122223333:cluster:aurora-1"},
				},
			}))
			Expect(err).ToNot(HaveOccurred())
			Expect(changes).To(HaveLen(2))
			for _, change := range changes {
				Expect(change.State).To(Equal(schedule.StateRunning))
			}
			Expect(rdsapi.StartDBInstanceBehavior.SuccessfulCalls()).To(Equal(1))
			Expect(rdsapi.StartDBClusterBehavior.SuccessfulCalls()).To(Equal(1))

			instance, ok := rdsapi.DBInstance("db-1")
			Expect(ok).To(BeTrue())
			Expect(aws.ToString(instance.DBInstanceStatus)).To(Equal("starting"))
			cluster, ok := rdsapi.DBCluster("aurora-1")
			Expect(ok).To(BeTrue())
			Expect(aws.ToString(cluster.Status)).To(Equal("starting"))
		})
		It("applies started tags and removes stopped tag keys on the resource", func() {
			db := taggedDBInstance("db-tagged", "office-hours", "stopped", "db.m5.large")
			db.TagList = append(db.TagList, rdstypes.Tag{Key: aws.String("StoppedBy"), Value: aws.String("fleetpark")})
			rdsapi.AddDBInstances(db)

			_, err := collectChanges(service.Start(ctx, services.StartParameters{
				SchedulingParameters: params,
				Instances:            []*services.Instance{{ID: "db-tagged", ARN: "arn:aws:rds:us-east-1:111122223333:db:db-tagged"}},
				Tags:                 []config.Tag{{Key: "StartedBy", Value: "fleetpark"}},
				DeleteTagKeys:        []string{"StoppedBy"},
			}))
			Expect(err).ToNot(HaveOccurred())

			instance, ok := rdsapi.DBInstance("db-tagged")
			Expect(ok).To(BeTrue())
			tags := lo.SliceToMap(instance.TagList, func(t rdstypes.Tag) (string, string) {
				return aws.ToString(t.Key), aws.ToString(t.Value)
			})
			Expect(tags).To(HaveKeyWithValue("StartedBy", "fleetpark"))
			Expect(tags).ToNot(HaveKey("StoppedBy"))
		})
		It("keeps going when one instance fails to start", func() {
			rdsapi.AddDBInstances(
				taggedDBInstance("db-1", "office-hours", "stopped", "db.m5.large"),
				taggedDBInstance("db-2", "office-hours", "stopped", "db.m5.large"),
			)
			rdsapi.StartDBInstanceBehavior.Error.Set(&smithy.GenericAPIError{Code: "InvalidDBInstanceState"}, fake.MaxCalls(1))

			changes, err := collectChanges(service.Start(ctx, services.StartParameters{
				SchedulingParameters: params,
				Instances:            []*services.Instance{{ID: "db-1"}, {ID: "db-2"}},
			}))
			Expect(err).ToNot(HaveOccurred())
			Expect(changes).To(HaveLen(1))
			Expect(changes[0].ID).To(Equal("db-2"))
		})
		It("aborts the remainder when throttled", func() {
			rdsapi.StartDBInstanceBehavior.Error.Set(&smithy.GenericAPIError{Code: "Throttling"})
			_, err := collectChanges(service.Start(ctx, services.StartParameters{
				SchedulingParameters: params,
				Instances:            []*services.Instance{{ID: "db-1"}, {ID: "db-2"}},
			}))
			Expect(err).To(HaveOccurred())
			Expect(rdsapi.StartDBInstanceBehavior.Calls()).To(Equal(1))
		})
	})

	Context("Stop", func() {
		BeforeEach(func() {
			rdsapi.AddDBInstances(taggedDBInstance("db-1", "office-hours", "available", "db.m5.large"))
		})
		It("stops without a snapshot by default", func() {
			changes, err := collectChanges(service.Stop(ctx, services.StopParameters{
				SchedulingParameters: params,
				Instances:            []*services.Instance{{ID: "db-1"}},
			}))
			Expect(err).ToNot(HaveOccurred())
			Expect(changes).To(HaveLen(1))
			Expect(changes[0].State).To(Equal(schedule.StateStopped))
			Expect(rdsapi.DeleteDBSnapshotBehavior.Calls()).To(BeZero())

			input := rdsapi.StopDBInstanceBehavior.CalledWithInput.At(0)
			Expect(input.DBSnapshotIdentifier).To(BeNil())
			instance, _ := rdsapi.DBInstance("db-1")
			Expect(aws.ToString(instance.DBInstanceStatus)).To(Equal("stopping"))
		})
		It("snapshots before stopping when configured, clearing the previous snapshot", func() {
			params.Configuration.CreateRDSSnapshot = true
			_, err := collectChanges(service.Stop(ctx, services.StopParameters{
				SchedulingParameters: params,
				Instances:            []*services.Instance{{ID: "db-1"}},
			}))
			Expect(err).ToNot(HaveOccurred())

			deleted := rdsapi.DeleteDBSnapshotBehavior.CalledWithInput.At(0)
			Expect(aws.ToString(deleted.DBSnapshotIdentifier)).To(Equal("fleetpark-stopped-db-1"))
			stopped := rdsapi.StopDBInstanceBehavior.CalledWithInput.At(0)
			Expect(aws.ToString(stopped.DBSnapshotIdentifier)).To(Equal("fleetpark-stopped-db-1"))
		})
		It("stops even when the previous snapshot cannot be deleted", func() {
			params.Configuration.CreateRDSSnapshot = true
			rdsapi.DeleteDBSnapshotBehavior.Error.Set(&smithy.GenericAPIError{Code: "DBSnapshotNotFound"})
			changes, err := collectChanges(service.Stop(ctx, services.StopParameters{
				SchedulingParameters: params,
				Instances:            []*services.Instance{{ID: "db-1"}},
			}))
			Expect(err).ToNot(HaveOccurred())
			Expect(changes).To(HaveLen(1))
		})
		It("never snapshots clusters", func() {
			params.Configuration.CreateRDSSnapshot = true
			rdsapi.AddDBClusters(taggedDBCluster("aurora-1", "office-hours", "available"))
			changes, err := collectChanges(service.Stop(ctx, services.StopParameters{
				SchedulingParameters: params,
				Instances:            []*services.Instance{{ID: "aurora-1", IsCluster: true}},
			}))
			Expect(err).ToNot(HaveOccurred())
			Expect(changes).To(HaveLen(1))
			Expect(rdsapi.StopDBClusterBehavior.SuccessfulCalls()).To(Equal(1))
			Expect(rdsapi.DeleteDBSnapshotBehavior.Calls()).To(BeZero())
		})
	})

	Context("Resize", func() {
		It("reports no resize support", func() {
			Expect(service.AllowResize()).To(BeFalse())
			Expect(service.ServiceName()).To(Equal(config.ServiceRDS))
			Expect(service.Resize(ctx, params, &services.Instance{ID: "db-1", Service: config.ServiceRDS}, "db.m5.xlarge")).ToNot(Succeed())
		})
	})
})
