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

// Package handler turns an invocation event into scheduling cycles, one per
// scheduled service, and publishes the assembled results.
package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/fleetpark/fleetpark-aws/pkg/bus"
	"github.com/fleetpark/fleetpark-aws/pkg/config"
	scherrors "github.com/fleetpark/fleetpark-aws/pkg/errors"
	"github.com/fleetpark/fleetpark-aws/pkg/logging"
	"github.com/fleetpark/fleetpark-aws/pkg/providers/schedules"
	"github.com/fleetpark/fleetpark-aws/pkg/scheduler"
	"github.com/fleetpark/fleetpark-aws/pkg/utils/pretty"
)

const (
	// ActionRun asks for one scheduling cycle over every scheduled service.
	ActionRun = "scheduler:run"

	logStreamPrefix = "Scheduler"
)

// Request is the invocation payload. Account overrides the account the
// scheduler attributes to itself; large deployments omit Schedules from the
// configuration and rely on the schedule store instead.
type Request struct {
	Action        string                       `json:"action"`
	Account       string                       `json:"account,omitempty"`
	Configuration config.ConfigurationDocument `json:"configuration"`
}

// Response carries each scheduled service's results.
type Response struct {
	Results map[string]scheduler.Results `json:"results"`
}

// Engine runs one scheduling cycle. Implemented by *scheduler.Scheduler.
type Engine interface {
	Run(ctx context.Context, cfg *config.SchedulerConfiguration) (scheduler.Results, error)
}

// EngineFactory builds the engine for one scheduled service, scoped to the
// given host account. A nil return means no driver is wired for the service.
type EngineFactory func(service, hostAccount string) Engine

type Handler struct {
	engines        EngineFactory
	schedules      schedules.Provider
	dispatcher     *bus.Dispatcher
	defaultAccount string
	monitor        *pretty.ChangeMonitor
	clk            clock.Clock
}

func NewHandler(engines EngineFactory, schedulesProvider schedules.Provider, dispatcher *bus.Dispatcher, defaultAccount string, clk clock.Clock) *Handler {
	return &Handler{
		engines:        engines,
		schedules:      schedulesProvider,
		dispatcher:     dispatcher,
		defaultAccount: defaultAccount,
		monitor:        pretty.NewChangeMonitor(0),
		clk:            clk,
	}
}

// Handle validates and assembles the request's configuration, runs one cycle
// per scheduled service, and publishes the cycle-completed event. Service
// cycle errors are aggregated and returned alongside the partial response;
// only configuration problems abort before any cycle runs.
func (h *Handler) Handle(ctx context.Context, req Request) (*Response, error) {
	if req.Action != ActionRun {
		return nil, scherrors.NewConfigurationError("unsupported action %q", req.Action)
	}
	log := logging.FromContext(ctx).With("invocation", uuid.NewString())
	ctx = logging.WithLogger(ctx, log)

	cfg, err := config.FromDocument(req.Configuration)
	if err != nil {
		return nil, err
	}
	if len(cfg.Schedules) == 0 && h.schedules != nil {
		// large deployments deliver schedules out of band through the
		// configuration store
		scheds, err := h.schedules.Schedules(ctx)
		if err != nil {
			return nil, err
		}
		cfg.Schedules = scheds
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h.monitor.HasChanged("configuration", cfg) {
		log.With("configuration", pretty.Concise(req.Configuration)).Infof("scheduling configuration changed")
	}

	hostAccount := lo.CoalesceOrEmpty(req.Account, h.defaultAccount)
	accountNames := scopedAccounts(cfg, hostAccount)
	now := h.clk.Now().In(lo.Must(cfg.Location()))

	response := &Response{Results: map[string]scheduler.Results{}}
	var errs error
	for _, service := range cfg.ScheduledServices {
		engine := h.engines(service, hostAccount)
		if engine == nil {
			errs = multierr.Append(errs, fmt.Errorf("no engine wired for service %q", service))
			continue
		}
		serviceLog := log.With("logstream", logStream(service, accountNames, cfg.Regions, now))
		serviceLog.Infof("scheduling %s instances for account(s) %s in region(s) %s",
			service, pretty.Slice(accountNames, 5), pretty.Slice(cfg.Regions, 5))
		results, err := engine.Run(logging.WithLogger(ctx, serviceLog), cfg)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("running %s cycle, %w", service, err))
		}
		response.Results[service] = results
		serviceLog.With("results", pretty.Concise(results)).Infof("completed %s cycle", service)
	}

	h.dispatcher.Dispatch(ctx, bus.Event{DetailType: bus.DetailTypeCycleCompleted, Detail: response})
	h.dispatcher.Drain()
	return response, errs
}

// scopedAccounts lists the accounts a cycle will walk, in fan-out order.
func scopedAccounts(cfg *config.SchedulerConfiguration, hostAccount string) []string {
	var names []string
	if cfg.ScheduleLambdaAccount {
		names = append(names, hostAccount)
	}
	return append(names, cfg.RemoteAccountIDs...)
}

// logStream stamps per-service log output with the scope a cycle covered,
// Scheduler-<service>-<accounts>-<regions>-<yyyymmdd>, dated in the
// configuration's default time zone.
func logStream(service string, accountNames []string, regions []string, at time.Time) string {
	parts := []string{logStreamPrefix, service, strings.Join(accountNames, "-"), strings.Join(regions, "-")}
	return fmt.Sprintf("%s-%04d%02d%02d", strings.Join(parts, "-"), at.Year(), at.Month(), at.Day())
}
