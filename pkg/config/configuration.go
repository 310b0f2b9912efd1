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

// Package config holds the per-cycle scheduler configuration: which services
// and accounts to walk, the schedule definitions, and the tag templates
// applied on start and stop.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"

	scherrors "github.com/fleetpark/fleetpark-aws/pkg/errors"
	"github.com/fleetpark/fleetpark-aws/pkg/schedule"
)

const (
	// DefaultTagName is the instance tag key naming the schedule.
	DefaultTagName = "Schedule"

	ServiceEC2 = "ec2"
	ServiceRDS = "rds"
)

// SchedulerConfiguration drives one scheduling cycle. It is rebuilt from the
// invocation document on every run; nothing in it survives a cycle.
type SchedulerConfiguration struct {
	ScheduledServices []string `validate:"required,min=1,dive,oneof=ec2 rds"`
	// ScheduleClusters extends RDS scheduling to Aurora and multi-AZ clusters.
	ScheduleClusters bool
	// CreateRDSSnapshot snapshots non-cluster RDS instances before stopping them.
	CreateRDSSnapshot bool
	TagName           string `validate:"required"`
	// Regions to walk per account; empty means the session's home region only.
	Regions         []string
	DefaultTimezone string `validate:"required"`
	Schedules       map[string]*schedule.Schedule
	Trace           bool
	// EnableSSMMaintenanceWindows turns on SSM window discovery for EC2.
	EnableSSMMaintenanceWindows bool
	UseMetrics                  bool
	RemoteAccountIDs            []string
	Namespace                   string
	AWSPartition                string `validate:"required,oneof=aws aws-us-gov aws-cn"`
	SchedulerRoleName           string `validate:"required"`
	OrganizationID              string
	// ScheduleLambdaAccount also schedules the account hosting the scheduler.
	ScheduleLambdaAccount bool
	// StartedTags and StoppedTags are raw tag templates ("k=v,k2=v2"),
	// rendered per cycle; see tags.go.
	StartedTags string
	StoppedTags string
}

// GetSchedule returns the schedule with the given name, if configured.
func (c *SchedulerConfiguration) GetSchedule(name string) (*schedule.Schedule, bool) {
	sched, ok := c.Schedules[name]
	return sched, ok
}

// Location resolves the default time zone. Validate guarantees it resolves
// for a configuration that passed validation.
func (c *SchedulerConfiguration) Location() (*time.Location, error) {
	return time.LoadLocation(c.DefaultTimezone)
}

// Validate checks the configuration before a cycle starts. Everything wrong
// with it is a configuration error: the cycle must not run half-configured.
func (c *SchedulerConfiguration) Validate() error {
	var err error
	err = multierr.Append(err, validator.New().Struct(c))
	if _, zerr := time.LoadLocation(c.DefaultTimezone); zerr != nil {
		err = multierr.Append(err, fmt.Errorf("unknown default timezone %q, %w", c.DefaultTimezone, zerr))
	}
	for _, sched := range c.Schedules {
		if _, lerr := sched.Location(c.DefaultTimezone); lerr != nil {
			err = multierr.Append(err, lerr)
		}
	}
	if err != nil {
		return scherrors.WrapConfigurationError(err)
	}
	return nil
}

// RoleARN is the cross-account role assumed in each remote account.
func (c *SchedulerConfiguration) RoleARN(accountID string) string {
	return fmt.Sprintf("arn:%s:iam::%s:role/%s-%s", c.AWSPartition, accountID, c.Namespace, c.SchedulerRoleName)
}
