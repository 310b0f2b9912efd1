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

// Package metrics exports the scheduler's prometheus metrics and the usage
// sink cycles report their tallies to.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Namespace prefixes every metric the scheduler exports.
	Namespace = "fleetpark"

	scheduleSubsystem  = "schedule"
	instancesSubsystem = "instances"
	cycleSubsystem     = "cycle"

	// Common metric label names.
	ServiceLabel  = "service"
	ScheduleLabel = "schedule"
	StateLabel    = "state"
)

var (
	DesiredInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: scheduleSubsystem,
			Name:      "desired_instances",
			Help:      "Instances resolved to each desired state in the last cycle, per schedule.",
		},
		[]string{ServiceLabel, ScheduleLabel, StateLabel},
	)
	InstancesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: instancesSubsystem,
			Name:      "started_total",
			Help:      "Instances the scheduler started, per schedule.",
		},
		[]string{ServiceLabel, ScheduleLabel},
	)
	InstancesStopped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: instancesSubsystem,
			Name:      "stopped_total",
			Help:      "Instances the scheduler stopped, per schedule.",
		},
		[]string{ServiceLabel, ScheduleLabel},
	)
	InstancesResized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: instancesSubsystem,
			Name:      "resized_total",
			Help:      "Instances resized before starting, per schedule.",
		},
		[]string{ServiceLabel, ScheduleLabel},
	)
	CycleDuration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: cycleSubsystem,
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of the last scheduling cycle.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DesiredInstances,
		InstancesStarted,
		InstancesStopped,
		InstancesResized,
		CycleDuration,
	)
}
