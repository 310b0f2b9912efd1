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

// Package scheduler drives instances toward their schedules' desired states.
// One cycle walks accounts, regions, and instances sequentially, resolves
// each instance's desired state against its persisted record, commits the
// resulting start, stop, and resize batches through the service driver, and
// persists the updated records per (service, account, region) scope.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/fleetpark/fleetpark-aws/pkg/bus"
	"github.com/fleetpark/fleetpark-aws/pkg/config"
	"github.com/fleetpark/fleetpark-aws/pkg/logging"
	"github.com/fleetpark/fleetpark-aws/pkg/metrics"
	"github.com/fleetpark/fleetpark-aws/pkg/providers/accounts"
	"github.com/fleetpark/fleetpark-aws/pkg/providers/state"
	"github.com/fleetpark/fleetpark-aws/pkg/schedule"
	"github.com/fleetpark/fleetpark-aws/pkg/services"
)

// IssueReporter receives operator-facing anomalies the cycle survives, such
// as instances tagged with schedules that do not exist.
type IssueReporter interface {
	ReportIssue(ctx context.Context, issue bus.Issue)
}

type Scheduler struct {
	service    services.Service
	stateStore state.Provider
	accounts   accounts.Provider
	usage      metrics.Client
	issues     IssueReporter
	clk        clock.Clock
	stack      string
}

func NewScheduler(service services.Service, stateStore state.Provider, accountsProvider accounts.Provider, usage metrics.Client, issues IssueReporter, clk clock.Clock, stack string) *Scheduler {
	return &Scheduler{
		service:    service,
		stateStore: stateStore,
		accounts:   accountsProvider,
		usage:      usage,
		issues:     issues,
		clk:        clk,
		stack:      stack,
	}
}

// Run executes one scheduling cycle for the scheduler's service. Region
// failures are contained: the region is abandoned, the error accumulated
// into the returned aggregate, and the cycle moves on. Results are returned
// alongside a non-nil error when some scopes failed.
func (s *Scheduler) Run(ctx context.Context, cfg *config.SchedulerConfiguration) (Results, error) {
	started := s.clk.Now()
	defer func() {
		metrics.CycleDuration.Set(s.clk.Since(started).Seconds())
	}()
	results := Results{}
	usage := metrics.NewUsageCounters()
	desired := desiredCounts{}
	var errs error
	for account := range s.accounts.Accounts(ctx, cfg, s.service.ServiceName()) {
		if ctx.Err() != nil {
			break
		}
		accountResults := newAccountResults(s.service.AllowResize())
		results[account.Name] = accountResults
		regions := cfg.Regions
		if len(regions) == 0 {
			// fall back to the home region of the account's session
			regions = []string{account.Config.Region}
		}
		for _, region := range regions {
			if ctx.Err() != nil {
				break
			}
			if err := s.processRegion(ctx, account, region, cfg, accountResults, usage, desired, started); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("scheduling %s instances in %s/%s, %w", s.service.ServiceName(), account.Name, region, err))
				logging.FromContext(ctx).With("account", account.Name, "region", region).Errorf("abandoning region, %s", err)
			}
		}
	}
	desired.flush(s.service.ServiceName())
	if err := s.usage.FireUsage(context.WithoutCancel(ctx), s.service.ServiceName(), usage); err != nil {
		logging.FromContext(ctx).Errorf("reporting usage, %s", err)
	}
	return results, errs
}

type resizePlan struct {
	oldType string
	newType string
}

// regionRun is the working set for one (account, region) scope. Decisions
// are computed for every instance before any mutation is committed.
type regionRun struct {
	cfg       *config.SchedulerConfiguration
	params    services.SchedulingParameters
	results   *AccountResults
	usage     *metrics.UsageCounters
	desired   desiredCounts
	now       time.Time
	store     *state.Store
	observed  map[string]struct{}
	pending   map[string]struct{}
	startList []*services.Instance
	stopList  []*services.Instance
	resizes   map[string]resizePlan
}

func (s *Scheduler) processRegion(ctx context.Context, account accounts.Account, region string, cfg *config.SchedulerConfiguration, results *AccountResults, usage *metrics.UsageCounters, desired desiredCounts, now time.Time) error {
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("account", account.Name, "region", region))
	r := &regionRun{
		cfg: cfg,
		params: services.SchedulingParameters{
			Config:        account.Config,
			Account:       account.Name,
			Role:          account.Role,
			Region:        region,
			Stack:         s.stack,
			Configuration: cfg,
			Trace:         cfg.Trace,
		},
		results:  results,
		usage:    usage,
		desired:  desired,
		now:      now,
		observed: map[string]struct{}{},
		pending:  map[string]struct{}{},
		resizes:  map[string]resizePlan{},
	}
	for instance, err := range s.service.SchedulableInstances(ctx, r.params) {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// the scope's records are loaded once the first instance shows up,
		// so empty regions cost no table reads
		if r.store == nil {
			store, err := s.stateStore.Load(ctx, s.service.ServiceName(), account.Name, region)
			if err != nil {
				return err
			}
			r.store = store
		}
		s.processInstance(ctx, r, instance)
	}
	if r.store == nil {
		return nil
	}
	errs := s.commit(ctx, r)
	if err := ctx.Err(); err != nil {
		return multierr.Append(errs, err)
	}
	r.store.Cleanup(r.observed)
	if err := r.store.Save(ctx); err != nil {
		return multierr.Append(errs, err)
	}
	return errs
}

// processInstance routes one instance through the state machine, queueing
// starts and stops and persisting record-only transitions immediately.
func (s *Scheduler) processInstance(ctx context.Context, r *regionRun, instance *services.Instance) {
	log := logging.FromContext(ctx).With("instance", instance.String())
	if _, seen := r.observed[instance.ID]; seen {
		log.Warnf("duplicate instance id in describe results, skipping")
		return
	}
	r.observed[instance.ID] = struct{}{}
	if instance.IsTerminated() {
		log.Debugf("instance is terminated, deleting its record")
		r.store.Delete(instance.ID)
		return
	}
	sched, ok := r.cfg.GetSchedule(instance.Schedule)
	if !ok {
		log.Warnf("schedule %q not found, skipping", instance.Schedule)
		if s.issues != nil {
			s.issues.ReportIssue(ctx, bus.Issue{
				Service: s.service.ServiceName(),
				Account: r.params.Account,
				Region:  r.params.Region,
				Message: fmt.Sprintf("instance %s is tagged with unknown schedule %q", instance.ID, instance.Schedule),
			})
		}
		return
	}
	verdict, err := s.desiredState(ctx, r, instance, sched)
	if err != nil {
		log.Errorf("evaluating schedule %q, %s", sched.Name, err)
		return
	}
	if lo.FromPtrOr(sched.UseMetrics, r.cfg.UseMetrics) {
		r.desired.observe(sched.Name, verdict.State)
	}
	last := r.store.Get(instance.ID)
	log.With("schedule", sched.Name, "desired", verdict.State, "last", last).Debugf("resolved desired state")
	switch {
	case last == schedule.StateUnknown:
		if instance.IsRunning() && verdict.State == schedule.StateStopped && !sched.StopNewInstances {
			// newly discovered instances get one cycle before the schedule
			// stops them
			r.store.Set(instance.ID, schedule.StateStopped)
			return
		}
		s.transition(ctx, r, instance, sched, verdict, last)
		if _, queued := r.pending[instance.ID]; !queued && r.store.Get(instance.ID) == schedule.StateUnknown {
			// every observed instance leaves its first cycle with a record
			r.store.Set(instance.ID, persistable(verdict.State))
		}
	case last == schedule.StateRetainRunning:
		switch {
		case verdict.State == schedule.StateRunning:
			// manually kept running, leave it alone
		case verdict.State.IsStop():
			// the stop window arrived; record it without stopping
			r.store.Set(instance.ID, schedule.StateStopped)
		default:
			r.store.Set(instance.ID, verdict.State)
		}
	case sched.Enforced:
		if (instance.IsRunning() && verdict.State == schedule.StateStopped) || (!instance.IsRunning() && verdict.State == schedule.StateRunning) {
			s.transition(ctx, r, instance, sched, verdict, last)
		}
	case last != verdict.State:
		s.transition(ctx, r, instance, sched, verdict, last)
	}
}

// desiredState resolves an instance's desired state, giving an active
// maintenance window precedence over the schedule when the schedule opts in.
func (s *Scheduler) desiredState(ctx context.Context, r *regionRun, instance *services.Instance, sched *schedule.Schedule) (schedule.Verdict, error) {
	if sched.UseMaintenanceWindow && instance.MaintenanceWindow != nil {
		verdict, err := instance.MaintenanceWindow.DesiredState(r.now, r.cfg.DefaultTimezone, instance.InstanceType, instance.IsRunning())
		if err != nil {
			logging.FromContext(ctx).With("instance", instance.String()).Warnf("evaluating maintenance window, %s", err)
		} else if verdict.State == schedule.StateRunning {
			return verdict, nil
		}
	}
	return sched.DesiredState(r.now, r.cfg.DefaultTimezone, instance.InstanceType, instance.IsRunning())
}

// transition applies the new-state rules for an instance whose desired state
// diverges from its record.
func (s *Scheduler) transition(ctx context.Context, r *regionRun, instance *services.Instance, sched *schedule.Schedule, verdict schedule.Verdict, last schedule.State) {
	log := logging.FromContext(ctx).With("instance", instance.String())
	switch {
	case verdict.State == schedule.StateRunning:
		if !instance.IsRunning() {
			if verdict.InstanceType != "" {
				if s.service.AllowResize() {
					r.resizes[instance.ID] = resizePlan{oldType: instance.InstanceType, newType: verdict.InstanceType}
				} else {
					log.Warnf("schedule %q wants machine type %s but %s instances cannot be resized", sched.Name, verdict.InstanceType, s.service.ServiceName())
				}
			}
			r.pending[instance.ID] = struct{}{}
			r.startList = append(r.startList, instance)
			return
		}
		if last == schedule.StateStopped {
			if sched.RetainRunning {
				// started manually during the stop window; carry that intent
				// across the next stop boundary
				r.store.Set(instance.ID, schedule.StateRetainRunning)
			} else {
				r.store.Set(instance.ID, schedule.StateRunning)
			}
		}
	case verdict.State.IsStop():
		if instance.IsRunning() {
			if verdict.State == schedule.StateStoppedForResize {
				instance.Resized = true
			}
			r.pending[instance.ID] = struct{}{}
			r.stopList = append(r.stopList, instance)
			return
		}
		r.store.Set(instance.ID, schedule.StateStopped)
	default:
		r.store.Set(instance.ID, verdict.State)
	}
}

// persistable maps a desired state onto the value recorded for it.
func persistable(st schedule.State) schedule.State {
	if st.IsStop() {
		return schedule.StateStopped
	}
	return st
}

func (s *Scheduler) commit(ctx context.Context, r *regionRun) error {
	var errs error
	if err := s.commitStarts(ctx, r); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("starting instances, %w", err))
	}
	if err := s.commitStops(ctx, r); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("stopping instances, %w", err))
	}
	return errs
}

func (s *Scheduler) commitStarts(ctx context.Context, r *regionRun) error {
	startable := s.applyResizes(ctx, r)
	if len(startable) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	vars := config.TagVariables{Stack: s.stack, At: r.now}
	params := services.StartParameters{
		SchedulingParameters: r.params,
		Instances:            startable,
		Tags:                 r.cfg.StartedTagList(vars),
		DeleteTagKeys:        config.TagKeys(r.cfg.StoppedTagList(vars)),
	}
	byID := lo.SliceToMap(startable, func(i *services.Instance) (string, *services.Instance) { return i.ID, i })
	var errs error
	for change, err := range s.service.Start(ctx, params) {
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		r.store.Set(change.ID, change.State)
		instance := byID[change.ID]
		r.results.addStarted(r.params.Region, InstanceAction{ID: change.ID, Schedule: instance.Schedule})
		typeKey := instance.InstanceType
		if plan, ok := r.resizes[change.ID]; ok {
			typeKey = plan.newType
		}
		r.usage.Started[typeKey]++
		metrics.InstancesStarted.WithLabelValues(s.service.ServiceName(), instance.Schedule).Inc()
	}
	return errs
}

func (s *Scheduler) commitStops(ctx context.Context, r *regionRun) error {
	if len(r.stopList) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	vars := config.TagVariables{Stack: s.stack, At: r.now}
	params := services.StopParameters{
		SchedulingParameters: r.params,
		Instances:            r.stopList,
		Tags:                 r.cfg.StoppedTagList(vars),
		DeleteTagKeys:        config.TagKeys(r.cfg.StartedTagList(vars)),
	}
	byID := lo.SliceToMap(r.stopList, func(i *services.Instance) (string, *services.Instance) { return i.ID, i })
	var errs error
	for change, err := range s.service.Stop(ctx, params) {
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		r.store.Set(change.ID, change.State)
		instance := byID[change.ID]
		r.results.addStopped(r.params.Region, InstanceAction{ID: change.ID, Schedule: instance.Schedule})
		r.usage.Stopped[instance.InstanceType]++
		metrics.InstancesStopped.WithLabelValues(s.service.ServiceName(), instance.Schedule).Inc()
	}
	return errs
}

// applyResizes resizes the start batch's planned instances. A failed resize
// defers the instance to the next cycle instead of starting it at the old
// type.
func (s *Scheduler) applyResizes(ctx context.Context, r *regionRun) []*services.Instance {
	if len(r.resizes) == 0 {
		return r.startList
	}
	startable := make([]*services.Instance, 0, len(r.startList))
	for _, instance := range r.startList {
		plan, ok := r.resizes[instance.ID]
		if !ok {
			startable = append(startable, instance)
			continue
		}
		if err := s.service.Resize(ctx, r.params, instance, plan.newType); err != nil {
			logging.FromContext(ctx).With("instance", instance.String()).
				Warnf("resizing to %s failed, deferring start to the next cycle, %s", plan.newType, err)
			delete(r.resizes, instance.ID)
			continue
		}
		r.results.addResized(r.params.Region, ResizeAction{
			ID:       instance.ID,
			Schedule: instance.Schedule,
			OldType:  plan.oldType,
			NewType:  plan.newType,
		})
		r.usage.Resized[fmt.Sprintf("%s-%s", plan.oldType, plan.newType)]++
		metrics.InstancesResized.WithLabelValues(s.service.ServiceName(), instance.Schedule).Inc()
		startable = append(startable, instance)
	}
	return startable
}

type desiredKey struct {
	schedule string
	state    schedule.State
}

// desiredCounts aggregates how many instances resolved to each desired state
// per schedule, for schedules opted into metrics.
type desiredCounts map[desiredKey]int

func (c desiredCounts) observe(scheduleName string, st schedule.State) {
	c[desiredKey{schedule: scheduleName, state: st}]++
}

func (c desiredCounts) flush(service string) {
	// stale series from schedules that stopped reporting are dropped first
	metrics.DesiredInstances.DeletePartialMatch(prometheus.Labels{metrics.ServiceLabel: service})
	for key, count := range c {
		metrics.DesiredInstances.WithLabelValues(service, key.schedule, string(key.state)).Set(float64(count))
	}
}
