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

package options

import (
	"fmt"

	"go.uber.org/multierr"
)

func (o *Options) Validate() error {
	return multierr.Combine(
		o.validateRequiredFields(),
		o.validateFrequency(),
		o.validateMaintenanceWindows(),
		o.validateUsageSink(),
		o.validatePrometheusPort(),
	)
}

func (o *Options) validateRequiredFields() (err error) {
	if o.StackName == "" {
		err = multierr.Append(err, fmt.Errorf("missing field, stack-name"))
	}
	if o.StateTable == "" {
		err = multierr.Append(err, fmt.Errorf("missing field, state-table"))
	}
	if o.ConfigTable == "" {
		err = multierr.Append(err, fmt.Errorf("missing field, config-table"))
	}
	return err
}

func (o *Options) validateFrequency() error {
	if o.ScheduleFrequency <= 0 {
		return fmt.Errorf("schedule-frequency must be positive")
	}
	return nil
}

func (o *Options) validateMaintenanceWindows() error {
	if o.EnableSSMMaintenanceWindows && o.MaintenanceWindowTable == "" {
		return fmt.Errorf("maintenance-window-table is required when SSM maintenance windows are enabled")
	}
	return nil
}

func (o *Options) validateUsageSink() error {
	if (o.UsageDatabase == "") != (o.UsageTable == "") {
		return fmt.Errorf("usage-database and usage-table must be set together")
	}
	return nil
}

func (o *Options) validatePrometheusPort() error {
	if o.PrometheusPort < 0 || o.PrometheusPort > 65535 {
		return fmt.Errorf("prometheus-port %d is not a valid port", o.PrometheusPort)
	}
	return nil
}
