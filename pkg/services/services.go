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

// Package services defines the driver contract the scheduling engine speaks
// to each cloud service through, and the instance model drivers produce.
package services

import (
	"context"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/fleetpark/fleetpark-aws/pkg/config"
	"github.com/fleetpark/fleetpark-aws/pkg/schedule"
)

// Instance is the transient per-cycle view of one schedulable resource.
// Drivers produce it from describe calls; it is never persisted.
type Instance struct {
	ID           string
	Name         string
	Service      string
	Account      string
	Region       string
	Schedule     string
	State        schedule.State
	InstanceType string
	IsCluster    bool
	// Resized marks a stop issued so the instance can restart at a new
	// machine type. The marker stays engine-internal; the persisted record
	// is plain stopped.
	Resized bool
	// MaintenanceWindow forces running while active, when the schedule opts
	// in. RDS derives it from the preferred maintenance window, EC2 from the
	// referenced SSM window.
	MaintenanceWindow *schedule.Schedule
	// ARN is set by services whose tag operations address resources by ARN.
	ARN  string
	Tags map[string]string
}

func (i *Instance) IsRunning() bool {
	return i.State == schedule.StateRunning
}

func (i *Instance) IsTerminated() bool {
	return i.State == schedule.StateTerminated
}

func (i *Instance) String() string {
	if i.Name != "" {
		return fmt.Sprintf("%s instance %s (%s)", i.Service, i.ID, i.Name)
	}
	return fmt.Sprintf("%s instance %s", i.Service, i.ID)
}

// StateChange reports the observed outcome of a start or stop for one
// instance. Drivers yield changes only for instances they acted on; an
// instance that failed keeps its previous record and is retried next cycle.
type StateChange struct {
	ID    string
	State schedule.State
}

// SchedulingParameters scope one driver call to an account session and
// region.
type SchedulingParameters struct {
	Config        aws.Config
	Account       string
	Role          *string
	Region        string
	Stack         string
	Configuration *config.SchedulerConfiguration
	Trace         bool
}

// StartParameters carry the batch of instances to start. Tags are applied
// and DeleteTagKeys removed on each started instance.
type StartParameters struct {
	SchedulingParameters
	Instances     []*Instance
	Tags          []config.Tag
	DeleteTagKeys []string
}

// StopParameters carry the batch of instances to stop. Tags are applied and
// DeleteTagKeys removed on each stopped instance.
type StopParameters struct {
	SchedulingParameters
	Instances     []*Instance
	Tags          []config.Tag
	DeleteTagKeys []string
}

// Service is the cloud-service adapter the engine drives. Sequences are
// lazy so a canceled cycle can stop early without draining the producer.
type Service interface {
	ServiceName() string
	AllowResize() bool
	SchedulableInstances(ctx context.Context, params SchedulingParameters) iter.Seq2[*Instance, error]
	Start(ctx context.Context, params StartParameters) iter.Seq2[StateChange, error]
	Stop(ctx context.Context, params StopParameters) iter.Seq2[StateChange, error]
	Resize(ctx context.Context, params SchedulingParameters, instance *Instance, instanceType string) error
}
