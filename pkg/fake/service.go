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
	"fmt"
	"iter"
	"sync"

	"github.com/samber/lo"

	"github.com/fleetpark/fleetpark-aws/pkg/schedule"
	"github.com/fleetpark/fleetpark-aws/pkg/services"
)

// Service is a stateful services.Service double. Instances are registered
// per account and region, and starts, stops, and resizes mutate the stored
// instances in place so that consecutive scheduling cycles observe the
// effects of earlier ones.
type Service struct {
	Name      string
	Resizable bool

	DescribeError AtomicError
	StartError    AtomicError
	StopError     AtomicError
	ResizeError   AtomicError

	// FailStartIDs and FailStopIDs name instances the driver silently fails
	// to act on. No state change is yielded for them.
	FailStartIDs map[string]struct{}
	FailStopIDs  map[string]struct{}

	mu           sync.Mutex
	instances    map[string][]*services.Instance
	StartParams  []services.StartParameters
	StopParams   []services.StopParameters
	ResizedTypes map[string]string
}

func NewService(name string, resizable bool) *Service {
	s := &Service{Name: name, Resizable: resizable}
	s.Reset()
	return s
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.DescribeError.Reset()
	s.StartError.Reset()
	s.StopError.Reset()
	s.ResizeError.Reset()
	s.FailStartIDs = map[string]struct{}{}
	s.FailStopIDs = map[string]struct{}{}
	s.instances = map[string][]*services.Instance{}
	s.StartParams = nil
	s.StopParams = nil
	s.ResizedTypes = map[string]string{}
}

// AddInstances registers instances under the given account and region and
// stamps the scoping fields a real driver would fill in during describe.
func (s *Service) AddInstances(account, region string, instances ...*services.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, instance := range instances {
		instance.Service = s.Name
		instance.Account = account
		instance.Region = region
	}
	key := scopeKey(account, region)
	s.instances[key] = append(s.instances[key], instances...)
}

// Instance returns the stored instance with the given id, or nil.
func (s *Service) Instance(account, region, id string) *services.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, _ := lo.Find(s.instances[scopeKey(account, region)], func(i *services.Instance) bool {
		return i.ID == id
	})
	return instance
}

// StartedIDs returns the ids of every instance passed to Start, in call
// order, whether or not the start succeeded.
func (s *Service) StartedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return lo.FlatMap(s.StartParams, func(params services.StartParameters, _ int) []string {
		return lo.Map(params.Instances, func(i *services.Instance, _ int) string { return i.ID })
	})
}

// StoppedIDs returns the ids of every instance passed to Stop, in call
// order, whether or not the stop succeeded.
func (s *Service) StoppedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return lo.FlatMap(s.StopParams, func(params services.StopParameters, _ int) []string {
		return lo.Map(params.Instances, func(i *services.Instance, _ int) string { return i.ID })
	})
}

func (s *Service) ServiceName() string {
	return s.Name
}

func (s *Service) AllowResize() bool {
	return s.Resizable
}

func (s *Service) SchedulableInstances(_ context.Context, params services.SchedulingParameters) iter.Seq2[*services.Instance, error] {
	return func(yield func(*services.Instance, error) bool) {
		if err := s.DescribeError.Get(); err != nil {
			yield(nil, err)
			return
		}
		s.mu.Lock()
		instances := s.instances[scopeKey(params.Account, params.Region)]
		s.mu.Unlock()
		for _, instance := range instances {
			if !yield(instance, nil) {
				return
			}
		}
	}
}

func (s *Service) Start(_ context.Context, params services.StartParameters) iter.Seq2[services.StateChange, error] {
	return func(yield func(services.StateChange, error) bool) {
		s.mu.Lock()
		s.StartParams = append(s.StartParams, params)
		s.mu.Unlock()
		if err := s.StartError.Get(); err != nil {
			yield(services.StateChange{}, err)
			return
		}
		for _, instance := range params.Instances {
			if _, fail := s.FailStartIDs[instance.ID]; fail {
				continue
			}
			instance.State = schedule.StateRunning
			if !yield(services.StateChange{ID: instance.ID, State: schedule.StateRunning}, nil) {
				return
			}
		}
	}
}

func (s *Service) Stop(_ context.Context, params services.StopParameters) iter.Seq2[services.StateChange, error] {
	return func(yield func(services.StateChange, error) bool) {
		s.mu.Lock()
		s.StopParams = append(s.StopParams, params)
		s.mu.Unlock()
		if err := s.StopError.Get(); err != nil {
			yield(services.StateChange{}, err)
			return
		}
		for _, instance := range params.Instances {
			if _, fail := s.FailStopIDs[instance.ID]; fail {
				continue
			}
			instance.State = schedule.StateStopped
			if !yield(services.StateChange{ID: instance.ID, State: schedule.StateStopped}, nil) {
				return
			}
		}
	}
}

func (s *Service) Resize(_ context.Context, _ services.SchedulingParameters, instance *services.Instance, instanceType string) error {
	if err := s.ResizeError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ResizedTypes[instance.ID] = instanceType
	instance.InstanceType = instanceType
	return nil
}

func scopeKey(account, region string) string {
	return fmt.Sprintf("%s/%s", account, region)
}
