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

// Package options reads the process-level settings of the scheduler from CLI
// flags and environment variables. Everything an operator deploys with lives
// here; per-cycle settings travel in the request configuration instead.
package options

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/fleetpark/fleetpark-aws/pkg/utils/env"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet
	// Deployment
	StackName string
	Account   string
	// Stores
	StateTable             string
	ConfigTable            string
	MaintenanceWindowTable string
	// Bus
	EventBusName   string
	IssuesQueueURL string
	// Scheduling behavior
	ScheduleFrequency           time.Duration
	EnableSSMMaintenanceWindows bool
	// Telemetry
	UserAgentExtra string
	Trace          bool
	PrometheusPort int
	UsageDatabase  string
	UsageTable     string
}

// New creates an Options struct and registers CLI flags and environment
// variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("scheduler", flag.ContinueOnError)
	opts.FlagSet = f

	// Deployment
	f.StringVar(&opts.StackName, "stack-name", env.WithDefaultString("STACK_NAME", ""), "Name of the deployment stack; namespaces the scheduler roles, tables and tag variables")
	f.StringVar(&opts.Account, "account", env.WithDefaultString("ACCOUNT", ""), "The account the scheduler runs in; resolved from the caller identity when unset")

	// Stores
	f.StringVar(&opts.StateTable, "state-table", env.WithDefaultString("STATE_TABLE", ""), "DynamoDB table holding per-instance scheduling state")
	f.StringVar(&opts.ConfigTable, "config-table", env.WithDefaultString("CONFIG_TABLE", ""), "DynamoDB table holding schedule and period definitions")
	f.StringVar(&opts.MaintenanceWindowTable, "maintenance-window-table", env.WithDefaultString("MAINTENANCE_WINDOW_TABLE", ""), "DynamoDB table caching SSM maintenance windows between cycles")

	// Bus
	f.StringVar(&opts.EventBusName, "event-bus-name", env.WithDefaultString("EVENT_BUS_NAME", ""), "EventBridge bus receiving cycle results and configuration change requests; empty publishes to the account default bus")
	f.StringVar(&opts.IssuesQueueURL, "issues-queue-url", env.WithDefaultString("ISSUES_QUEUE_URL", ""), "SQS queue receiving operator issue reports; empty drops them")

	// Scheduling behavior
	f.DurationVar(&opts.ScheduleFrequency, "schedule-frequency", env.WithDefaultDuration("SCHEDULE_FREQUENCY", 5*time.Minute), "Interval between scheduling cycles; also bounds how long loaded schedule definitions are reused")
	f.BoolVar(&opts.EnableSSMMaintenanceWindows, "enable-ssm-maintenance-windows", env.WithDefaultBool("ENABLE_SSM_MAINTENANCE_WINDOWS", false), "Resolve EC2 maintenance windows from SSM for schedules that reference one")

	// Telemetry
	f.StringVar(&opts.UserAgentExtra, "user-agent-extra", env.WithDefaultString("USER_AGENT_EXTRA", ""), "Extra token appended to the AWS SDK user agent")
	f.BoolVar(&opts.Trace, "trace", env.WithDefaultBool("TRACE", false), "Log at debug level")
	f.IntVar(&opts.PrometheusPort, "prometheus-port", env.WithDefaultInt("PROMETHEUS_PORT", 0), "Port serving prometheus metrics; 0 keeps the listener off for one-shot invocations")
	f.StringVar(&opts.UsageDatabase, "usage-database", env.WithDefaultString("USAGE_DATABASE", ""), "Timestream database receiving usage counters; empty disables usage telemetry")
	f.StringVar(&opts.UsageTable, "usage-table", env.WithDefaultString("USAGE_TABLE", ""), "Timestream table receiving usage counters")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default
// values. Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

type optionsKey struct{}

func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

func FromContext(ctx context.Context) *Options {
	retval := ctx.Value(optionsKey{})
	if retval == nil {
		return nil
	}
	return retval.(*Options)
}
