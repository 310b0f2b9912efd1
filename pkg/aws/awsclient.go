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

package sdk

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	smithymiddleware "github.com/aws/smithy-go/middleware"
)

const (
	// Standard-mode retries with a raised attempt ceiling; throttled
	// describe storms across many regions need more headroom than the
	// SDK default of 3.
	maxRetryAttempts = 5
)

// NewConfig loads the process-level AWS configuration. Every service client,
// including the assumed-role copies handed out per account, derives from it.
func NewConfig(ctx context.Context, region string, userAgentExtra string) (aws.Config, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = maxRetryAttempts
			})
		}),
	}
	if region != "" {
		optFns = append(optFns, config.WithRegion(region))
	}
	if userAgentExtra != "" {
		optFns = append(optFns, config.WithAPIOptions([]func(*smithymiddleware.Stack) error{
			awsmiddleware.AddUserAgentKey(userAgentExtra),
		}))
	}
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading aws configuration, %w", err)
	}
	return cfg, nil
}

// WithRegion returns a copy of cfg pinned to the given region, leaving the
// credential chain untouched. Used to walk one account session across its
// scheduled regions.
func WithRegion(cfg aws.Config, region string) aws.Config {
	cp := cfg.Copy()
	cp.Region = region
	return cp
}
