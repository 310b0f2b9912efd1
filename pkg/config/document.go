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

package config

import (
	"strings"
	"time"

	"github.com/samber/lo"

	scherrors "github.com/fleetpark/fleetpark-aws/pkg/errors"
	"github.com/fleetpark/fleetpark-aws/pkg/schedule"
)

// ConfigurationDocument is the structured configuration carried in the
// invocation payload and in the configuration store. Schedules reference
// periods by name; "name@type" pins a machine type while that period runs.
type ConfigurationDocument struct {
	ScheduledServices           []string                    `json:"scheduled_services" dynamodbav:"scheduled_services,stringset"`
	ScheduleClusters            bool                        `json:"schedule_clusters" dynamodbav:"schedule_clusters"`
	CreateRDSSnapshot           bool                        `json:"create_rds_snapshot" dynamodbav:"create_rds_snapshot"`
	TagName                     string                      `json:"tag_name" dynamodbav:"tag_name"`
	Regions                     []string                    `json:"regions" dynamodbav:"regions,stringset"`
	DefaultTimezone             string                      `json:"default_timezone" dynamodbav:"default_timezone"`
	Trace                       bool                        `json:"trace" dynamodbav:"trace"`
	EnableSSMMaintenanceWindows bool                        `json:"enable_ssm_maintenance_windows" dynamodbav:"enable_ssm_maintenance_windows"`
	UseMetrics                  bool                        `json:"use_metrics" dynamodbav:"use_metrics"`
	RemoteAccountIDs            []string                    `json:"remote_account_ids" dynamodbav:"remote_account_ids,stringset"`
	Namespace                   string                      `json:"namespace" dynamodbav:"namespace"`
	AWSPartition                string                      `json:"aws_partition" dynamodbav:"aws_partition"`
	SchedulerRoleName           string                      `json:"scheduler_role_name" dynamodbav:"scheduler_role_name"`
	OrganizationID              string                      `json:"organization_id" dynamodbav:"organization_id"`
	ScheduleLambdaAccount       bool                        `json:"schedule_lambda_account" dynamodbav:"schedule_lambda_account"`
	StartedTags                 string                      `json:"started_tags" dynamodbav:"started_tags"`
	StoppedTags                 string                      `json:"stopped_tags" dynamodbav:"stopped_tags"`
	Schedules                   map[string]ScheduleDocument `json:"schedules" dynamodbav:"-"`
	Periods                     map[string]PeriodDocument   `json:"periods" dynamodbav:"-"`
}

type ScheduleDocument struct {
	Name                 string   `json:"name" dynamodbav:"name"`
	Description          string   `json:"description" dynamodbav:"description"`
	Timezone             string   `json:"timezone" dynamodbav:"timezone"`
	OverrideStatus       string   `json:"override_status" dynamodbav:"override_status"`
	Enforced             bool     `json:"enforced" dynamodbav:"enforced"`
	RetainRunning        bool     `json:"retain_running" dynamodbav:"retain_running"`
	StopNewInstances     *bool    `json:"stop_new_instances" dynamodbav:"stop_new_instances"`
	UseMaintenanceWindow bool     `json:"use_maintenance_window" dynamodbav:"use_maintenance_window"`
	SSMMaintenanceWindow string   `json:"ssm_maintenance_window" dynamodbav:"ssm_maintenance_window"`
	UseMetrics           *bool    `json:"use_metrics" dynamodbav:"use_metrics"`
	Periods              []string `json:"periods" dynamodbav:"periods,stringset"`
}

// PeriodDocument uses the store's day numbering: weekdays run 0=Monday
// through 6=Sunday, months and monthdays are 1-based.
type PeriodDocument struct {
	Name      string `json:"name" dynamodbav:"name"`
	BeginTime string `json:"begintime" dynamodbav:"begintime"`
	EndTime   string `json:"endtime" dynamodbav:"endtime"`
	WeekDays  []int  `json:"weekdays" dynamodbav:"weekdays,numberset"`
	Months    []int  `json:"months" dynamodbav:"months,numberset"`
	MonthDays []int  `json:"monthdays" dynamodbav:"monthdays,numberset"`
}

// FromDocument assembles a SchedulerConfiguration, resolving period
// references and defaulting the fields the document may omit. The returned
// configuration has not been validated; callers run Validate before use.
func FromDocument(doc ConfigurationDocument) (*SchedulerConfiguration, error) {
	periods := map[string]*schedule.Period{}
	for name, pd := range doc.Periods {
		period, err := pd.toPeriod(lo.CoalesceOrEmpty(pd.Name, name))
		if err != nil {
			return nil, err
		}
		periods[name] = period
	}
	schedules := map[string]*schedule.Schedule{}
	for name, sd := range doc.Schedules {
		sched, err := sd.toSchedule(lo.CoalesceOrEmpty(sd.Name, name), periods)
		if err != nil {
			return nil, err
		}
		schedules[sched.Name] = sched
	}
	return &SchedulerConfiguration{
		ScheduledServices:           doc.ScheduledServices,
		ScheduleClusters:            doc.ScheduleClusters,
		CreateRDSSnapshot:           doc.CreateRDSSnapshot,
		TagName:                     lo.CoalesceOrEmpty(doc.TagName, DefaultTagName),
		Regions:                     doc.Regions,
		DefaultTimezone:             lo.CoalesceOrEmpty(doc.DefaultTimezone, "UTC"),
		Schedules:                   schedules,
		Trace:                       doc.Trace,
		EnableSSMMaintenanceWindows: doc.EnableSSMMaintenanceWindows,
		UseMetrics:                  doc.UseMetrics,
		RemoteAccountIDs:            doc.RemoteAccountIDs,
		Namespace:                   doc.Namespace,
		AWSPartition:                lo.CoalesceOrEmpty(doc.AWSPartition, "aws"),
		SchedulerRoleName:           doc.SchedulerRoleName,
		OrganizationID:              doc.OrganizationID,
		ScheduleLambdaAccount:       doc.ScheduleLambdaAccount,
		StartedTags:                 doc.StartedTags,
		StoppedTags:                 doc.StoppedTags,
	}, nil
}

func (pd PeriodDocument) toPeriod(name string) (*schedule.Period, error) {
	period := &schedule.Period{
		Name: name,
		WeekDays: lo.Map(pd.WeekDays, func(day int, _ int) time.Weekday {
			// store numbering is 0=Monday; time.Weekday is 0=Sunday
			return time.Weekday((day + 1) % 7)
		}),
		Months:    lo.Map(pd.Months, func(month int, _ int) time.Month { return time.Month(month) }),
		MonthDays: pd.MonthDays,
	}
	for _, day := range pd.WeekDays {
		if day < 0 || day > 6 {
			return nil, scherrors.NewConfigurationError("period %q: weekday %d out of range", name, day)
		}
	}
	if pd.BeginTime != "" {
		begin, err := schedule.ParseTimeOfDay(pd.BeginTime)
		if err != nil {
			return nil, scherrors.NewConfigurationError("period %q: %s", name, err)
		}
		period.BeginTime = &begin
	}
	if pd.EndTime != "" {
		end, err := schedule.ParseTimeOfDay(pd.EndTime)
		if err != nil {
			return nil, scherrors.NewConfigurationError("period %q: %s", name, err)
		}
		period.EndTime = &end
	}
	return period, nil
}

func (sd ScheduleDocument) toSchedule(name string, periods map[string]*schedule.Period) (*schedule.Schedule, error) {
	sched := &schedule.Schedule{
		Name:                 name,
		Description:          sd.Description,
		Timezone:             sd.Timezone,
		Enforced:             sd.Enforced,
		RetainRunning:        sd.RetainRunning,
		StopNewInstances:     lo.FromPtrOr(sd.StopNewInstances, true),
		UseMaintenanceWindow: sd.UseMaintenanceWindow,
		SSMMaintenanceWindow: sd.SSMMaintenanceWindow,
		UseMetrics:           sd.UseMetrics,
	}
	switch sd.OverrideStatus {
	case "":
	case string(schedule.StateRunning), string(schedule.StateStopped):
		sched.Override = schedule.State(sd.OverrideStatus)
	default:
		return nil, scherrors.NewConfigurationError("schedule %q: override_status %q must be running or stopped", name, sd.OverrideStatus)
	}
	for _, ref := range sd.Periods {
		periodName, instanceType, _ := strings.Cut(ref, "@")
		period, ok := periods[periodName]
		if !ok {
			return nil, scherrors.NewConfigurationError("schedule %q references unknown period %q", name, periodName)
		}
		sched.Periods = append(sched.Periods, schedule.RunPeriod{Period: period, InstanceType: instanceType})
	}
	return sched, nil
}
