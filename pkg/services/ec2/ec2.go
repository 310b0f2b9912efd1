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

// Package ec2 adapts the scheduling driver contract to EC2 instances.
package ec2

import (
	"context"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	sdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
	"github.com/fleetpark/fleetpark-aws/pkg/config"
	scherrors "github.com/fleetpark/fleetpark-aws/pkg/errors"
	"github.com/fleetpark/fleetpark-aws/pkg/logging"
	"github.com/fleetpark/fleetpark-aws/pkg/providers/maintenancewindow"
	"github.com/fleetpark/fleetpark-aws/pkg/schedule"
	"github.com/fleetpark/fleetpark-aws/pkg/services"
)

// maxBatchSize bounds the instance ids passed to one start/stop call.
const maxBatchSize = 50

type ClientFactory func(cfg aws.Config, region string) sdk.EC2API

// NewClient is the default ClientFactory.
func NewClient(cfg aws.Config, region string) sdk.EC2API {
	return awsec2.NewFromConfig(sdk.WithRegion(cfg, region))
}

type DefaultService struct {
	windows   maintenancewindow.Provider
	clientFor ClientFactory
}

func NewDefaultService(windows maintenancewindow.Provider, clientFor ClientFactory) *DefaultService {
	return &DefaultService{
		windows:   windows,
		clientFor: clientFor,
	}
}

func (s *DefaultService) ServiceName() string {
	return config.ServiceEC2
}

func (s *DefaultService) AllowResize() bool {
	return true
}

// SchedulableInstances yields every instance carrying the schedule tag that
// is running, stopped, or terminated. Terminated instances are yielded so
// the engine can drop their state records; instances in transitional
// lifecycle states settle before the next cycle and are not yielded.
func (s *DefaultService) SchedulableInstances(ctx context.Context, params services.SchedulingParameters) iter.Seq2[*services.Instance, error] {
	return func(yield func(*services.Instance, error) bool) {
		api := s.clientFor(params.Config, params.Region)
		windows := s.maintenanceWindows(ctx, params)
		pager := awsec2.NewDescribeInstancesPaginator(api, &awsec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{
				{Name: aws.String("tag-key"), Values: []string{params.Configuration.TagName}},
				{Name: aws.String("instance-state-name"), Values: []string{"running", "stopped", "terminated"}},
			},
		})
		for pager.HasMorePages() {
			out, err := pager.NextPage(ctx)
			if err != nil {
				yield(nil, fmt.Errorf("describing instances in %s/%s, %w", params.Account, params.Region, err))
				return
			}
			for _, reservation := range out.Reservations {
				for _, raw := range reservation.Instances {
					if !yield(s.toInstance(raw, params, windows), nil) {
						return
					}
				}
			}
		}
	}
}

// Start brings up each batch, tags what actually started, and yields the
// observed outcomes. A failed batch call falls back to one call per
// instance so a single bad instance does not sink its batch; throttling
// aborts instead, since retrying instance by instance only makes it worse.
func (s *DefaultService) Start(ctx context.Context, params services.StartParameters) iter.Seq2[services.StateChange, error] {
	return func(yield func(services.StateChange, error) bool) {
		api := s.clientFor(params.Config, params.Region)
		for _, batch := range lo.Chunk(params.Instances, maxBatchSize) {
			ids := lo.Map(batch, func(i *services.Instance, _ int) string { return i.ID })
			started, err := s.startBatch(ctx, api, ids)
			if err != nil {
				yield(services.StateChange{}, err)
				return
			}
			s.applyTags(ctx, api, started, params.Tags, params.DeleteTagKeys)
			for _, id := range started {
				if !yield(services.StateChange{ID: id, State: schedule.StateRunning}, nil) {
					return
				}
			}
		}
	}
}

// Stop is symmetric to Start.
func (s *DefaultService) Stop(ctx context.Context, params services.StopParameters) iter.Seq2[services.StateChange, error] {
	return func(yield func(services.StateChange, error) bool) {
		api := s.clientFor(params.Config, params.Region)
		for _, batch := range lo.Chunk(params.Instances, maxBatchSize) {
			ids := lo.Map(batch, func(i *services.Instance, _ int) string { return i.ID })
			stopped, err := s.stopBatch(ctx, api, ids)
			if err != nil {
				yield(services.StateChange{}, err)
				return
			}
			s.applyTags(ctx, api, stopped, params.Tags, params.DeleteTagKeys)
			for _, id := range stopped {
				if !yield(services.StateChange{ID: id, State: schedule.StateStopped}, nil) {
					return
				}
			}
		}
	}
}

func (s *DefaultService) Resize(ctx context.Context, params services.SchedulingParameters, instance *services.Instance, instanceType string) error {
	api := s.clientFor(params.Config, params.Region)
	if _, err := api.ModifyInstanceAttribute(ctx, &awsec2.ModifyInstanceAttributeInput{
		InstanceId:   aws.String(instance.ID),
		InstanceType: &ec2types.AttributeValue{Value: aws.String(instanceType)},
	}); err != nil {
		return fmt.Errorf("resizing %s to %s, %w", instance, instanceType, err)
	}
	return nil
}

func (s *DefaultService) startBatch(ctx context.Context, api sdk.EC2API, ids []string) ([]string, error) {
	out, err := api.StartInstances(ctx, &awsec2.StartInstancesInput{InstanceIds: ids})
	if err == nil {
		return lo.Map(out.StartingInstances, func(c ec2types.InstanceStateChange, _ int) string {
			return aws.ToString(c.InstanceId)
		}), nil
	}
	if scherrors.IsThrottled(err) {
		return nil, fmt.Errorf("starting instances, %w", err)
	}
	logging.FromContext(ctx).Warnf("starting batch of %d instances, retrying one at a time, %s", len(ids), err)
	var started []string
	for _, id := range ids {
		single, err := api.StartInstances(ctx, &awsec2.StartInstancesInput{InstanceIds: []string{id}})
		if err != nil {
			logging.FromContext(ctx).With("instance", id).Errorf("starting instance, %s", err)
			continue
		}
		started = append(started, lo.Map(single.StartingInstances, func(c ec2types.InstanceStateChange, _ int) string {
			return aws.ToString(c.InstanceId)
		})...)
	}
	return started, nil
}

func (s *DefaultService) stopBatch(ctx context.Context, api sdk.EC2API, ids []string) ([]string, error) {
	out, err := api.StopInstances(ctx, &awsec2.StopInstancesInput{InstanceIds: ids})
	if err == nil {
		return lo.Map(out.StoppingInstances, func(c ec2types.InstanceStateChange, _ int) string {
			return aws.ToString(c.InstanceId)
		}), nil
	}
	if scherrors.IsThrottled(err) {
		return nil, fmt.Errorf("stopping instances, %w", err)
	}
	logging.FromContext(ctx).Warnf("stopping batch of %d instances, retrying one at a time, %s", len(ids), err)
	var stopped []string
	for _, id := range ids {
		single, err := api.StopInstances(ctx, &awsec2.StopInstancesInput{InstanceIds: []string{id}})
		if err != nil {
			logging.FromContext(ctx).With("instance", id).Errorf("stopping instance, %s", err)
			continue
		}
		stopped = append(stopped, lo.Map(single.StoppingInstances, func(c ec2types.InstanceStateChange, _ int) string {
			return aws.ToString(c.InstanceId)
		})...)
	}
	return stopped, nil
}

// applyTags is best effort; tagging failures never fail the transition.
func (s *DefaultService) applyTags(ctx context.Context, api sdk.EC2API, ids []string, tags []config.Tag, deleteKeys []string) {
	if len(ids) == 0 {
		return
	}
	if len(deleteKeys) > 0 {
		if _, err := api.DeleteTags(ctx, &awsec2.DeleteTagsInput{
			Resources: ids,
			Tags: lo.Map(deleteKeys, func(key string, _ int) ec2types.Tag {
				return ec2types.Tag{Key: aws.String(key)}
			}),
		}); err != nil {
			logging.FromContext(ctx).Warnf("removing tags %v, %s", deleteKeys, err)
		}
	}
	if len(tags) > 0 {
		if _, err := api.CreateTags(ctx, &awsec2.CreateTagsInput{
			Resources: ids,
			Tags: lo.Map(tags, func(t config.Tag, _ int) ec2types.Tag {
				return ec2types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)}
			}),
		}); err != nil {
			logging.FromContext(ctx).Warnf("applying tags %v, %s", tags, err)
		}
	}
}

func (s *DefaultService) toInstance(raw ec2types.Instance, params services.SchedulingParameters, windows map[string]*schedule.Schedule) *services.Instance {
	tags := lo.SliceToMap(raw.Tags, func(t ec2types.Tag) (string, string) {
		return aws.ToString(t.Key), aws.ToString(t.Value)
	})
	instance := &services.Instance{
		ID:           aws.ToString(raw.InstanceId),
		Name:         tags["Name"],
		Service:      config.ServiceEC2,
		Account:      params.Account,
		Region:       params.Region,
		Schedule:     tags[params.Configuration.TagName],
		State:        instanceState(raw.State),
		InstanceType: string(raw.InstanceType),
		Tags:         tags,
	}
	if sched, ok := params.Configuration.GetSchedule(instance.Schedule); ok && sched.UseMaintenanceWindow {
		instance.MaintenanceWindow = windows[sched.SSMMaintenanceWindow]
	}
	return instance
}

// maintenanceWindows resolves every SSM window referenced by a schedule in
// this configuration. Resolution failures degrade to scheduling without
// windows rather than failing the scope.
func (s *DefaultService) maintenanceWindows(ctx context.Context, params services.SchedulingParameters) map[string]*schedule.Schedule {
	if !params.Configuration.EnableSSMMaintenanceWindows || s.windows == nil {
		return nil
	}
	names := lo.Uniq(lo.FilterMap(lo.Values(params.Configuration.Schedules), func(sched *schedule.Schedule, _ int) (string, bool) {
		return sched.SSMMaintenanceWindow, sched.UseMaintenanceWindow && sched.SSMMaintenanceWindow != ""
	}))
	if len(names) == 0 {
		return nil
	}
	windows, err := s.windows.Windows(ctx, params.Config, params.Account, params.Region, names)
	if err != nil {
		logging.FromContext(ctx).Warnf("resolving maintenance windows for %s/%s, %s", params.Account, params.Region, err)
		return nil
	}
	return windows
}

func instanceState(state *ec2types.InstanceState) schedule.State {
	if state == nil {
		return schedule.StateTransitional
	}
	// the high byte of the state code carries internal flags
	switch aws.ToInt32(state.Code) & 0xFF {
	case 16:
		return schedule.StateRunning
	case 48:
		return schedule.StateTerminated
	case 80:
		return schedule.StateStopped
	default:
		return schedule.StateTransitional
	}
}
