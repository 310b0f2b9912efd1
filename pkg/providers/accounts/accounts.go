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

// Package accounts fans a scheduling cycle out across the configured
// accounts, assuming the scheduler role in each remote account.
package accounts

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	sdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
	"github.com/fleetpark/fleetpark-aws/pkg/config"
	scherrors "github.com/fleetpark/fleetpark-aws/pkg/errors"
	"github.com/fleetpark/fleetpark-aws/pkg/logging"
)

const (
	// sessionTTL keeps cached cross-account sessions comfortably inside the
	// default one-hour credential lifetime.
	sessionTTL           = 45 * time.Minute
	cacheCleanupInterval = 10 * time.Minute
)

// Account is one scheduling target: an account id with a session scoped to
// its credentials.
type Account struct {
	// Name is the twelve-digit account id.
	Name   string
	Config aws.Config
	// Role is the assumed role ARN; nil for the host account.
	Role *string
}

type Provider interface {
	Accounts(ctx context.Context, cfg *config.SchedulerConfiguration, service string) iter.Seq[Account]
}

// Deconfigurer reports accounts that must leave the scheduling configuration.
type Deconfigurer interface {
	DeconfigureAccount(ctx context.Context, account string)
}

type DefaultProvider struct {
	base        aws.Config
	hostAccount string
	stsapi      sdk.STSAPI
	deconfigure Deconfigurer
	sessions    *cache.Cache
}

func NewDefaultProvider(base aws.Config, hostAccount string, stsapi sdk.STSAPI, deconfigurer Deconfigurer) *DefaultProvider {
	return &DefaultProvider{
		base:        base,
		hostAccount: hostAccount,
		stsapi:      stsapi,
		deconfigure: deconfigurer,
		sessions:    cache.New(sessionTTL, cacheCleanupInterval),
	}
}

// Accounts lazily yields a session per configured account: the host account
// first when it schedules itself, then the remote accounts in configuration
// order. A remote account whose role denies access is reported for
// deconfiguration and skipped; other assume failures are logged and skipped
// so one bad account never blocks the fleet. Duplicates yield once.
func (p *DefaultProvider) Accounts(ctx context.Context, cfg *config.SchedulerConfiguration, service string) iter.Seq[Account] {
	return func(yield func(Account) bool) {
		seen := map[string]struct{}{}
		if cfg.ScheduleLambdaAccount {
			seen[p.hostAccount] = struct{}{}
			if !yield(Account{Name: p.hostAccount, Config: p.base}) {
				return
			}
		}
		for _, id := range cfg.RemoteAccountIDs {
			if _, dup := seen[id]; dup {
				logging.FromContext(ctx).Warnf("account %s is already processed, skipping", id)
				continue
			}
			seen[id] = struct{}{}

			roleARN := cfg.RoleARN(id)
			sessionCfg, err := p.session(ctx, roleARN, service, id)
			if err != nil {
				if scherrors.IsAccessDenied(err) {
					logging.FromContext(ctx).Errorf("removing account %s from scheduling, role %s cannot be assumed, %s", id, roleARN, err)
					p.deconfigure.DeconfigureAccount(ctx, id)
					continue
				}
				logging.FromContext(ctx).Errorf("assuming role %s for account %s, %s", roleARN, id, err)
				continue
			}
			if !yield(Account{Name: id, Config: sessionCfg, Role: lo.ToPtr(roleARN)}) {
				return
			}
		}
	}
}

// session returns a config carrying credentials for the role. Credentials
// are resolved eagerly so access problems surface during fan-out, not in the
// middle of a describe; resolved sessions are cached per service and role.
func (p *DefaultProvider) session(ctx context.Context, roleARN, service, accountID string) (aws.Config, error) {
	key := fmt.Sprintf("%s/%s", service, roleARN)
	if cached, ok := p.sessions.Get(key); ok {
		return cached.(aws.Config), nil
	}
	creds := aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(p.stsapi, roleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = fmt.Sprintf("%s-scheduler-%s", service, accountID)
	}))
	if _, err := creds.Retrieve(ctx); err != nil {
		return aws.Config{}, err
	}
	sessionCfg := p.base.Copy()
	sessionCfg.Credentials = creds
	p.sessions.SetDefault(key, sessionCfg)
	return sessionCfg, nil
}
