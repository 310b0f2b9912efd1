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

// Package operator wires the scheduler process together: options, logging,
// AWS clients, providers, drivers and the request handler.
package operator

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"k8s.io/utils/clock"

	sdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
	"github.com/fleetpark/fleetpark-aws/pkg/bus"
	"github.com/fleetpark/fleetpark-aws/pkg/config"
	"github.com/fleetpark/fleetpark-aws/pkg/handler"
	"github.com/fleetpark/fleetpark-aws/pkg/logging"
	"github.com/fleetpark/fleetpark-aws/pkg/metrics"
	"github.com/fleetpark/fleetpark-aws/pkg/operator/options"
	"github.com/fleetpark/fleetpark-aws/pkg/providers/accounts"
	"github.com/fleetpark/fleetpark-aws/pkg/providers/maintenancewindow"
	"github.com/fleetpark/fleetpark-aws/pkg/providers/schedules"
	"github.com/fleetpark/fleetpark-aws/pkg/providers/state"
	"github.com/fleetpark/fleetpark-aws/pkg/scheduler"
	"github.com/fleetpark/fleetpark-aws/pkg/services/ec2"
	"github.com/fleetpark/fleetpark-aws/pkg/services/rds"
)

// Operator is injected into the scheduler binary with everything the process
// shares across invocations: the base AWS session, the providers backed by
// the deployment's tables, the event dispatcher and the request handler.
type Operator struct {
	Options *options.Options
	Config  aws.Config
	Clock   clock.Clock

	DynamoDBAPI sdk.DynamoDBAPI
	STSAPI      sdk.STSAPI

	StateProvider     state.Provider
	SchedulesProvider schedules.Provider
	WindowProvider    maintenancewindow.Provider
	EC2Service        *ec2.DefaultService
	RDSService        *rds.DefaultService
	UsageClient       metrics.Client
	Dispatcher        *bus.Dispatcher
	Handler           *handler.Handler

	mu               sync.Mutex
	accountProviders map[string]*accounts.DefaultProvider
}

// NewOperator builds the process dependency graph. Options are taken from
// the context when the caller already parsed them, otherwise from the
// process arguments and environment. Startup failures are fatal; a scheduler
// that cannot reach its own account has nothing to fall back to.
func NewOperator(ctx context.Context) (context.Context, *Operator) {
	opts := options.FromContext(ctx)
	if opts == nil {
		opts = options.New().MustParse()
		ctx = options.ToContext(ctx, opts)
	}
	logger := logging.NewLogger("scheduler", opts.Trace)
	ctx = logging.WithLogger(ctx, logger)

	cfg, err := sdk.NewConfig(ctx, "", opts.UserAgentExtra)
	if err != nil {
		logger.Fatalf("loading aws configuration, %s", err)
	}
	if cfg.Region == "" {
		logger.Debugf("retrieving region from instance metadata")
		out, err := imds.NewFromConfig(cfg).GetRegion(ctx, &imds.GetRegionInput{})
		if err != nil {
			logger.Fatalf("no region configured and none available from instance metadata, %s", err)
		}
		cfg.Region = out.Region
	}

	dynamoapi := dynamodb.NewFromConfig(cfg)
	stsapi := sts.NewFromConfig(cfg)
	clk := clock.RealClock{}

	if opts.Account == "" {
		identity, err := stsapi.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			logger.Fatalf("resolving the host account from the caller identity, %s", err)
		}
		opts.Account = aws.ToString(identity.Account)
	}
	logger.With("account", opts.Account, "region", cfg.Region).Debugf("resolved host identity")

	var issues bus.Publisher
	if opts.IssuesQueueURL != "" {
		issues = bus.NewSQSPublisher(sqs.NewFromConfig(cfg), opts.IssuesQueueURL)
	}
	dispatcher := bus.NewDispatcher(bus.NewEventBridgePublisher(eventbridge.NewFromConfig(cfg), opts.EventBusName), issues)

	var usage metrics.Client = metrics.NoOpClient{}
	if opts.UsageDatabase != "" {
		usage = metrics.NewTimestreamClient(timestreamwrite.NewFromConfig(cfg), opts.UsageDatabase, opts.UsageTable, clk)
	}

	var windows maintenancewindow.Provider
	if opts.EnableSSMMaintenanceWindows {
		windows = maintenancewindow.NewDefaultProvider(dynamoapi, opts.MaintenanceWindowTable, clk, maintenancewindow.NewClient)
	}

	op := &Operator{
		Options:           opts,
		Config:            cfg,
		Clock:             clk,
		DynamoDBAPI:       dynamoapi,
		STSAPI:            stsapi,
		StateProvider:     state.NewDefaultProvider(dynamoapi, opts.StateTable),
		SchedulesProvider: schedules.NewDefaultProvider(dynamoapi, opts.ConfigTable, opts.ScheduleFrequency),
		WindowProvider:    windows,
		EC2Service:        ec2.NewDefaultService(windows, ec2.NewClient),
		RDSService:        rds.NewDefaultService(rds.NewClient),
		UsageClient:       usage,
		Dispatcher:        dispatcher,
	}
	op.Handler = handler.NewHandler(op.Engine, op.SchedulesProvider, dispatcher, opts.Account, clk)
	return ctx, op
}

// Engine assembles the scheduling engine for one service under one host
// account. It is handed to the handler as its engine factory.
func (o *Operator) Engine(service, hostAccount string) handler.Engine {
	accountsProvider := o.accountsFor(hostAccount)
	switch service {
	case config.ServiceEC2:
		return scheduler.NewScheduler(o.EC2Service, o.StateProvider, accountsProvider, o.UsageClient, o.Dispatcher, o.Clock, o.Options.StackName)
	case config.ServiceRDS:
		return scheduler.NewScheduler(o.RDSService, o.StateProvider, accountsProvider, o.UsageClient, o.Dispatcher, o.Clock, o.Options.StackName)
	}
	return nil
}

// accountsFor reuses fan-out providers per host account so assumed-role
// sessions stay cached across cycles.
func (o *Operator) accountsFor(hostAccount string) *accounts.DefaultProvider {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.accountProviders == nil {
		o.accountProviders = map[string]*accounts.DefaultProvider{}
	}
	provider, ok := o.accountProviders[hostAccount]
	if !ok {
		provider = accounts.NewDefaultProvider(o.Config, hostAccount, o.STSAPI, o.Dispatcher)
		o.accountProviders[hostAccount] = provider
	}
	return provider
}
