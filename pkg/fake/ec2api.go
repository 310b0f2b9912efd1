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

package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	sdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
)

// EC2Behavior must be reset between tests otherwise tests will
// pollute each other.
type EC2Behavior struct {
	DescribeInstancesBehavior       MockedFunction[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]
	StartInstancesBehavior          MockedFunction[ec2.StartInstancesInput, ec2.StartInstancesOutput]
	StopInstancesBehavior           MockedFunction[ec2.StopInstancesInput, ec2.StopInstancesOutput]
	ModifyInstanceAttributeBehavior MockedFunction[ec2.ModifyInstanceAttributeInput, ec2.ModifyInstanceAttributeOutput]
	CreateTagsBehavior              MockedFunction[ec2.CreateTagsInput, ec2.CreateTagsOutput]
	DeleteTagsBehavior              MockedFunction[ec2.DeleteTagsInput, ec2.DeleteTagsOutput]
}

// EC2API keeps an in-memory instance store behind the mocked operations so
// that start/stop/resize calls are observable through DescribeInstances.
type EC2API struct {
	sdk.EC2API
	EC2Behavior

	mu        sync.Mutex
	instances map[string]ec2types.Instance
}

func NewEC2API() *EC2API {
	return &EC2API{instances: map[string]ec2types.Instance{}}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (e *EC2API) Reset() {
	e.DescribeInstancesBehavior.Reset()
	e.StartInstancesBehavior.Reset()
	e.StopInstancesBehavior.Reset()
	e.ModifyInstanceAttributeBehavior.Reset()
	e.CreateTagsBehavior.Reset()
	e.DeleteTagsBehavior.Reset()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instances = map[string]ec2types.Instance{}
}

// AddInstances seeds the in-memory store.
func (e *EC2API) AddInstances(instances ...ec2types.Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, instance := range instances {
		e.instances[aws.ToString(instance.InstanceId)] = instance
	}
}

// Instance returns the stored instance, for assertions on mutations.
func (e *EC2API) Instance(id string) (ec2types.Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	instance, ok := e.instances[id]
	return instance, ok
}

func (e *EC2API) DescribeInstances(_ context.Context, input *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return e.DescribeInstancesBehavior.Invoke(input, func(input *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		var matched []ec2types.Instance
		for _, instance := range e.instances {
			if len(input.InstanceIds) != 0 && !lo.Contains(input.InstanceIds, aws.ToString(instance.InstanceId)) {
				continue
			}
			if matchesFilters(instance, input.Filters) {
				matched = append(matched, instance)
			}
		}
		if len(matched) == 0 {
			return &ec2.DescribeInstancesOutput{}, nil
		}
		return &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{Instances: matched}},
		}, nil
	})
}

func (e *EC2API) StartInstances(_ context.Context, input *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	return e.StartInstancesBehavior.Invoke(input, func(input *ec2.StartInstancesInput) (*ec2.StartInstancesOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		output := &ec2.StartInstancesOutput{}
		for _, id := range input.InstanceIds {
			output.StartingInstances = append(output.StartingInstances, e.transitionLocked(id, ec2types.InstanceStateNamePending, 0))
		}
		return output, nil
	})
}

func (e *EC2API) StopInstances(_ context.Context, input *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	return e.StopInstancesBehavior.Invoke(input, func(input *ec2.StopInstancesInput) (*ec2.StopInstancesOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		output := &ec2.StopInstancesOutput{}
		for _, id := range input.InstanceIds {
			output.StoppingInstances = append(output.StoppingInstances, e.transitionLocked(id, ec2types.InstanceStateNameStopping, 64))
		}
		return output, nil
	})
}

func (e *EC2API) ModifyInstanceAttribute(_ context.Context, input *ec2.ModifyInstanceAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error) {
	return e.ModifyInstanceAttributeBehavior.Invoke(input, func(input *ec2.ModifyInstanceAttributeInput) (*ec2.ModifyInstanceAttributeOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		instance, ok := e.instances[aws.ToString(input.InstanceId)]
		if ok && input.InstanceType != nil {
			instance.InstanceType = ec2types.InstanceType(aws.ToString(input.InstanceType.Value))
			e.instances[aws.ToString(input.InstanceId)] = instance
		}
		return &ec2.ModifyInstanceAttributeOutput{}, nil
	})
}

func (e *EC2API) CreateTags(_ context.Context, input *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	return e.CreateTagsBehavior.Invoke(input, func(input *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, id := range input.Resources {
			instance, ok := e.instances[id]
			if !ok {
				continue
			}
			for _, tag := range input.Tags {
				instance.Tags = append(lo.Reject(instance.Tags, func(t ec2types.Tag, _ int) bool {
					return aws.ToString(t.Key) == aws.ToString(tag.Key)
				}), tag)
			}
			e.instances[id] = instance
		}
		return &ec2.CreateTagsOutput{}, nil
	})
}

func (e *EC2API) DeleteTags(_ context.Context, input *ec2.DeleteTagsInput, _ ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error) {
	return e.DeleteTagsBehavior.Invoke(input, func(input *ec2.DeleteTagsInput) (*ec2.DeleteTagsOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, id := range input.Resources {
			instance, ok := e.instances[id]
			if !ok {
				continue
			}
			instance.Tags = lo.Reject(instance.Tags, func(t ec2types.Tag, _ int) bool {
				return lo.ContainsBy(input.Tags, func(deleted ec2types.Tag) bool {
					return aws.ToString(deleted.Key) == aws.ToString(t.Key)
				})
			})
			e.instances[id] = instance
		}
		return &ec2.DeleteTagsOutput{}, nil
	})
}

func (e *EC2API) transitionLocked(id string, state ec2types.InstanceStateName, code int32) ec2types.InstanceStateChange {
	instance := e.instances[id]
	change := ec2types.InstanceStateChange{
		InstanceId:    aws.String(id),
		PreviousState: instance.State,
		CurrentState:  &ec2types.InstanceState{Name: state, Code: aws.Int32(code)},
	}
	instance.State = change.CurrentState
	e.instances[id] = instance
	return change
}

func matchesFilters(instance ec2types.Instance, filters []ec2types.Filter) bool {
	for _, filter := range filters {
		name := aws.ToString(filter.Name)
		switch {
		case name == "tag-key":
			if !lo.ContainsBy(instance.Tags, func(t ec2types.Tag) bool {
				return lo.Contains(filter.Values, aws.ToString(t.Key))
			}) {
				return false
			}
		case strings.HasPrefix(name, "tag:"):
			key := strings.TrimPrefix(name, "tag:")
			if !lo.ContainsBy(instance.Tags, func(t ec2types.Tag) bool {
				return aws.ToString(t.Key) == key && lo.Contains(filter.Values, aws.ToString(t.Value))
			}) {
				return false
			}
		case name == "instance-state-name":
			if instance.State == nil || !lo.Contains(filter.Values, string(instance.State.Name)) {
				return false
			}
		case name == "instance-id":
			if !lo.Contains(filter.Values, aws.ToString(instance.InstanceId)) {
				return false
			}
		}
	}
	return true
}
