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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/samber/lo"

	sdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
)

// SSMBehavior must be reset between tests otherwise tests will
// pollute each other.
type SSMBehavior struct {
	DescribeMaintenanceWindowsBehavior MockedFunction[ssm.DescribeMaintenanceWindowsInput, ssm.DescribeMaintenanceWindowsOutput]
}

type SSMAPI struct {
	sdk.SSMAPI
	SSMBehavior

	// MaintenanceWindows backs the default DescribeMaintenanceWindows
	// behavior, filtered by the Name filter on the input.
	MaintenanceWindows []ssmtypes.MaintenanceWindowIdentity
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *SSMAPI) Reset() {
	s.DescribeMaintenanceWindowsBehavior.Reset()
	s.MaintenanceWindows = nil
}

func (s *SSMAPI) DescribeMaintenanceWindows(_ context.Context, input *ssm.DescribeMaintenanceWindowsInput, _ ...func(*ssm.Options)) (*ssm.DescribeMaintenanceWindowsOutput, error) {
	return s.DescribeMaintenanceWindowsBehavior.Invoke(input, func(input *ssm.DescribeMaintenanceWindowsInput) (*ssm.DescribeMaintenanceWindowsOutput, error) {
		windows := s.MaintenanceWindows
		for _, filter := range input.Filters {
			if aws.ToString(filter.Key) != "Name" {
				continue
			}
			windows = lo.Filter(windows, func(w ssmtypes.MaintenanceWindowIdentity, _ int) bool {
				return lo.Contains(filter.Values, aws.ToString(w.Name))
			})
		}
		return &ssm.DescribeMaintenanceWindowsOutput{WindowIdentities: windows}, nil
	})
}
