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

// Package rds adapts the scheduling driver contract to RDS database
// instances and clusters.
package rds

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsrds "github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/samber/lo"

	sdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
	"github.com/fleetpark/fleetpark-aws/pkg/config"
	scherrors "github.com/fleetpark/fleetpark-aws/pkg/errors"
	"github.com/fleetpark/fleetpark-aws/pkg/logging"
	"github.com/fleetpark/fleetpark-aws/pkg/schedule"
	"github.com/fleetpark/fleetpark-aws/pkg/services"
)

// maintenanceWindowSchedule names the synthetic schedule wrapping a database
// instance's preferred maintenance window.
const maintenanceWindowSchedule = "preferred-maintenance-window"

// windowWeekdays maps the three-letter day tokens of RDS window expressions.
var windowWeekdays = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

type ClientFactory func(cfg aws.Config, region string) sdk.RDSAPI

// NewClient is the default ClientFactory.
func NewClient(cfg aws.Config, region string) sdk.RDSAPI {
	return awsrds.NewFromConfig(sdk.WithRegion(cfg, region))
}

type DefaultService struct {
	clientFor ClientFactory
}

func NewDefaultService(clientFor ClientFactory) *DefaultService {
	return &DefaultService{clientFor: clientFor}
}

func (s *DefaultService) ServiceName() string {
	return config.ServiceRDS
}

func (s *DefaultService) AllowResize() bool {
	return false
}

// SchedulableInstances yields every database instance carrying the schedule
// tag, followed by tagged clusters when cluster scheduling is enabled. RDS
// has no server-side tag filter, so tags are matched client side. Cluster
// members are skipped; they start and stop with their cluster. Instances in
// transitional lifecycle states settle before the next cycle and are not
// yielded; deleting ones are, so the engine can drop their state records.
func (s *DefaultService) SchedulableInstances(ctx context.Context, params services.SchedulingParameters) iter.Seq2[*services.Instance, error] {
	return func(yield func(*services.Instance, error) bool) {
		api := s.clientFor(params.Config, params.Region)
		pager := awsrds.NewDescribeDBInstancesPaginator(api, &awsrds.DescribeDBInstancesInput{})
		for pager.HasMorePages() {
			out, err := pager.NextPage(ctx)
			if err != nil {
				yield(nil, fmt.Errorf("describing db instances in %s/%s, %w", params.Account, params.Region, err))
				return
			}
			for _, raw := range out.DBInstances {
				if aws.ToString(raw.DBClusterIdentifier) != "" {
					continue
				}
				instance, ok := s.toInstance(ctx, raw, params)
				if !ok {
					continue
				}
				if !yield(instance, nil) {
					return
				}
			}
		}
		if !params.Configuration.ScheduleClusters {
			return
		}
		clusterPager := awsrds.NewDescribeDBClustersPaginator(api, &awsrds.DescribeDBClustersInput{})
		for clusterPager.HasMorePages() {
			out, err := clusterPager.NextPage(ctx)
			if err != nil {
				yield(nil, fmt.Errorf("describing db clusters in %s/%s, %w", params.Account, params.Region, err))
				return
			}
			for _, raw := range out.DBClusters {
				instance, ok := s.toCluster(ctx, raw, params)
				if !ok {
					continue
				}
				if !yield(instance, nil) {
					return
				}
			}
		}
	}
}

// Start brings up instances one call at a time; RDS has no batch start.
// Failures are logged per instance and leave the rest of the list alone,
// except throttling, which aborts the remainder.
func (s *DefaultService) Start(ctx context.Context, params services.StartParameters) iter.Seq2[services.StateChange, error] {
	return func(yield func(services.StateChange, error) bool) {
		api := s.clientFor(params.Config, params.Region)
		for _, instance := range params.Instances {
			if err := s.startOne(ctx, api, instance); err != nil {
				if scherrors.IsThrottled(err) {
					yield(services.StateChange{}, fmt.Errorf("starting %s, %w", instance, err))
					return
				}
				logging.FromContext(ctx).With("instance", instance.ID).Errorf("starting instance, %s", err)
				continue
			}
			s.applyTags(ctx, api, instance.ARN, params.Tags, params.DeleteTagKeys)
			if !yield(services.StateChange{ID: instance.ID, State: schedule.StateRunning}, nil) {
				return
			}
		}
	}
}

// Stop is symmetric to Start. Non-cluster instances are optionally stopped
// with a snapshot named after the stack and instance.
func (s *DefaultService) Stop(ctx context.Context, params services.StopParameters) iter.Seq2[services.StateChange, error] {
	return func(yield func(services.StateChange, error) bool) {
		api := s.clientFor(params.Config, params.Region)
		for _, instance := range params.Instances {
			if err := s.stopOne(ctx, api, params, instance); err != nil {
				if scherrors.IsThrottled(err) {
					yield(services.StateChange{}, fmt.Errorf("stopping %s, %w", instance, err))
					return
				}
				logging.FromContext(ctx).With("instance", instance.ID).Errorf("stopping instance, %s", err)
				continue
			}
			s.applyTags(ctx, api, instance.ARN, params.Tags, params.DeleteTagKeys)
			if !yield(services.StateChange{ID: instance.ID, State: schedule.StateStopped}, nil) {
				return
			}
		}
	}
}

// Resize is unsupported for database instances; the engine never schedules
// one because AllowResize is false.
func (s *DefaultService) Resize(_ context.Context, _ services.SchedulingParameters, instance *services.Instance, instanceType string) error {
	return fmt.Errorf("resizing %s to %s, database instances cannot be resized", instance, instanceType)
}

func (s *DefaultService) startOne(ctx context.Context, api sdk.RDSAPI, instance *services.Instance) error {
	if instance.IsCluster {
		_, err := api.StartDBCluster(ctx, &awsrds.StartDBClusterInput{
			DBClusterIdentifier: aws.String(instance.ID),
		})
		return err
	}
	_, err := api.StartDBInstance(ctx, &awsrds.StartDBInstanceInput{
		DBInstanceIdentifier: aws.String(instance.ID),
	})
	return err
}

func (s *DefaultService) stopOne(ctx context.Context, api sdk.RDSAPI, params services.StopParameters, instance *services.Instance) error {
	if instance.IsCluster {
		_, err := api.StopDBCluster(ctx, &awsrds.StopDBClusterInput{
			DBClusterIdentifier: aws.String(instance.ID),
		})
		return err
	}
	input := &awsrds.StopDBInstanceInput{
		DBInstanceIdentifier: aws.String(instance.ID),
	}
	if params.Configuration.CreateRDSSnapshot {
		snapshotID := fmt.Sprintf("%s-stopped-%s", params.Stack, instance.ID)
		// a snapshot left behind by an earlier stop blocks the new one
		if _, err := api.DeleteDBSnapshot(ctx, &awsrds.DeleteDBSnapshotInput{
			DBSnapshotIdentifier: aws.String(snapshotID),
		}); err != nil {
			logging.FromContext(ctx).With("instance", instance.ID).Debugf("deleting previous stop snapshot %s, %s", snapshotID, err)
		}
		input.DBSnapshotIdentifier = aws.String(snapshotID)
	}
	_, err := api.StopDBInstance(ctx, input)
	return err
}

// applyTags is best effort; tagging failures never fail the transition.
func (s *DefaultService) applyTags(ctx context.Context, api sdk.RDSAPI, arn string, tags []config.Tag, deleteKeys []string) {
	if arn == "" {
		return
	}
	if len(deleteKeys) > 0 {
		if _, err := api.RemoveTagsFromResource(ctx, &awsrds.RemoveTagsFromResourceInput{
			ResourceName: aws.String(arn),
			TagKeys:      deleteKeys,
		}); err != nil {
			logging.FromContext(ctx).Warnf("removing tags %v from %s, %s", deleteKeys, arn, err)
		}
	}
	if len(tags) > 0 {
		if _, err := api.AddTagsToResource(ctx, &awsrds.AddTagsToResourceInput{
			ResourceName: aws.String(arn),
			Tags: lo.Map(tags, func(t config.Tag, _ int) rdstypes.Tag {
				return rdstypes.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)}
			}),
		}); err != nil {
			logging.FromContext(ctx).Warnf("applying tags %v to %s, %s", tags, arn, err)
		}
	}
}

func (s *DefaultService) toInstance(ctx context.Context, raw rdstypes.DBInstance, params services.SchedulingParameters) (*services.Instance, bool) {
	tags := tagMap(raw.TagList)
	scheduleName, tagged := tags[params.Configuration.TagName]
	if !tagged {
		return nil, false
	}
	state, settled := dbState(aws.ToString(raw.DBInstanceStatus))
	if !settled {
		return nil, false
	}
	instance := &services.Instance{
		ID:           aws.ToString(raw.DBInstanceIdentifier),
		Name:         tags["Name"],
		Service:      config.ServiceRDS,
		Account:      params.Account,
		Region:       params.Region,
		Schedule:     scheduleName,
		State:        state,
		InstanceType: aws.ToString(raw.DBInstanceClass),
		ARN:          aws.ToString(raw.DBInstanceArn),
		Tags:         tags,
	}
	attachMaintenanceWindow(ctx, instance, aws.ToString(raw.PreferredMaintenanceWindow), params)
	return instance, true
}

func (s *DefaultService) toCluster(ctx context.Context, raw rdstypes.DBCluster, params services.SchedulingParameters) (*services.Instance, bool) {
	tags := tagMap(raw.TagList)
	scheduleName, tagged := tags[params.Configuration.TagName]
	if !tagged {
		return nil, false
	}
	state, settled := dbState(aws.ToString(raw.Status))
	if !settled {
		return nil, false
	}
	instance := &services.Instance{
		ID:           aws.ToString(raw.DBClusterIdentifier),
		Name:         tags["Name"],
		Service:      config.ServiceRDS,
		Account:      params.Account,
		Region:       params.Region,
		Schedule:     scheduleName,
		State:        state,
		InstanceType: "cluster",
		IsCluster:    true,
		ARN:          aws.ToString(raw.DBClusterArn),
		Tags:         tags,
	}
	attachMaintenanceWindow(ctx, instance, aws.ToString(raw.PreferredMaintenanceWindow), params)
	return instance, true
}

// attachMaintenanceWindow parses the preferred maintenance window into a
// running-period schedule when the instance's schedule opts in. Expressions
// that fail to parse degrade to scheduling without a window.
func attachMaintenanceWindow(ctx context.Context, instance *services.Instance, window string, params services.SchedulingParameters) {
	sched, ok := params.Configuration.GetSchedule(instance.Schedule)
	if !ok || !sched.UseMaintenanceWindow || window == "" {
		return
	}
	parsed, err := scheduleFromMaintenanceWindow(window)
	if err != nil {
		logging.FromContext(ctx).With("instance", instance.ID).Warnf("parsing preferred maintenance window %q, %s", window, err)
		return
	}
	instance.MaintenanceWindow = parsed
}

// dbState maps an RDS lifecycle status onto the scheduling vocabulary. The
// second return is false for the transitional statuses, which settle before
// the next cycle.
func dbState(status string) (schedule.State, bool) {
	switch status {
	case "available":
		return schedule.StateRunning, true
	case "stopped":
		return schedule.StateStopped, true
	case "deleting":
		return schedule.StateTerminated, true
	default:
		return schedule.StateTransitional, false
	}
}

// scheduleFromMaintenanceWindow converts an RDS window expression such as
// "thu:02:17-thu:02:47" into a running-period schedule. Windows are always
// UTC; one crossing midnight becomes two periods, one on each side.
func scheduleFromMaintenanceWindow(window string) (*schedule.Schedule, error) {
	begin, end, found := strings.Cut(window, "-")
	if !found {
		return nil, fmt.Errorf("maintenance window %q is not of the form ddd:hh:mm-ddd:hh:mm", window)
	}
	beginDay, beginTime, err := parseWindowEdge(begin)
	if err != nil {
		return nil, err
	}
	endDay, endTime, err := parseWindowEdge(end)
	if err != nil {
		return nil, err
	}
	sched := &schedule.Schedule{
		Name:     maintenanceWindowSchedule,
		Timezone: "UTC",
	}
	if beginDay == endDay {
		sched.Periods = []schedule.RunPeriod{{Period: &schedule.Period{
			Name:      maintenanceWindowSchedule + "-period",
			BeginTime: &beginTime,
			EndTime:   &endTime,
			WeekDays:  []time.Weekday{beginDay},
		}}}
		return sched, nil
	}
	endOfDay := schedule.NewTimeOfDay(23, 59)
	startOfDay := schedule.NewTimeOfDay(0, 0)
	sched.Periods = []schedule.RunPeriod{
		{Period: &schedule.Period{
			Name:      maintenanceWindowSchedule + "-period",
			BeginTime: &beginTime,
			EndTime:   &endOfDay,
			WeekDays:  []time.Weekday{beginDay},
		}},
		{Period: &schedule.Period{
			Name:      maintenanceWindowSchedule + "-period-overflow",
			BeginTime: &startOfDay,
			EndTime:   &endTime,
			WeekDays:  []time.Weekday{endDay},
		}},
	}
	return sched, nil
}

func parseWindowEdge(edge string) (time.Weekday, schedule.TimeOfDay, error) {
	day, clock, found := strings.Cut(edge, ":")
	if !found {
		return 0, schedule.TimeOfDay{}, fmt.Errorf("maintenance window edge %q is not of the form ddd:hh:mm", edge)
	}
	weekday, ok := windowWeekdays[strings.ToLower(day)]
	if !ok {
		return 0, schedule.TimeOfDay{}, fmt.Errorf("unknown weekday %q in maintenance window edge %q", day, edge)
	}
	tod, err := schedule.ParseTimeOfDay(clock)
	if err != nil {
		return 0, schedule.TimeOfDay{}, err
	}
	return weekday, tod, nil
}

func tagMap(tags []rdstypes.Tag) map[string]string {
	return lo.SliceToMap(tags, func(t rdstypes.Tag) (string, string) {
		return aws.ToString(t.Key), aws.ToString(t.Value)
	})
}
