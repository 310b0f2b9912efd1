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

// Package maintenancewindow resolves SSM maintenance windows into schedules
// that force running while the window is active. Window identities are
// cached in DynamoDB so steady-state cycles avoid SSM calls; entries are
// refreshed once a window's execution has passed.
package maintenancewindow

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	sdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
	"github.com/fleetpark/fleetpark-aws/pkg/logging"
	"github.com/fleetpark/fleetpark-aws/pkg/schedule"
)

// startMargin widens each window so instances are up before the window
// opens and are not cut off at the exact closing minute.
const startMargin = 10 * time.Minute

// nextExecutionLayouts covers the timestamp shapes SSM emits for
// NextExecutionTime; minutes-precision timestamps omit the seconds.
var nextExecutionLayouts = []string{time.RFC3339, "2006-01-02T15:04Z07:00"}

type Provider interface {
	// Windows resolves the named maintenance windows for one account/region
	// session into schedules keyed by window name.
	Windows(ctx context.Context, cfg aws.Config, account, region string, names []string) (map[string]*schedule.Schedule, error)
}

type ClientFactory func(cfg aws.Config, region string) sdk.SSMAPI

// NewClient is the default ClientFactory.
func NewClient(cfg aws.Config, region string) sdk.SSMAPI {
	return ssm.NewFromConfig(sdk.WithRegion(cfg, region))
}

type DefaultProvider struct {
	dynamoapi sdk.DynamoDBAPI
	tableName string
	clk       clock.Clock
	ssmFor    ClientFactory
}

// NewDefaultProvider builds the provider. An empty tableName disables the
// DynamoDB cache and every call goes to SSM.
func NewDefaultProvider(dynamoapi sdk.DynamoDBAPI, tableName string, clk clock.Clock, ssmFor ClientFactory) *DefaultProvider {
	return &DefaultProvider{
		dynamoapi: dynamoapi,
		tableName: tableName,
		clk:       clk,
		ssmFor:    ssmFor,
	}
}

// windowItem is the cache-table record for one window in one scope.
type windowItem struct {
	AccountRegion     string `dynamodbav:"account-region"`
	Name              string `dynamodbav:"name"`
	NextExecutionTime string `dynamodbav:"next-execution-time"`
	DurationHours     int32  `dynamodbav:"duration"`
}

func (p *DefaultProvider) Windows(ctx context.Context, cfg aws.Config, account, region string, names []string) (map[string]*schedule.Schedule, error) {
	if len(names) == 0 {
		return nil, nil
	}
	now := p.clk.Now().UTC()
	cached, err := p.cachedWindows(ctx, account, region)
	if err != nil {
		return nil, err
	}

	windows := map[string]*schedule.Schedule{}
	var stale []string
	for name, item := range cached {
		next, err := parseNextExecution(item.NextExecutionTime)
		if err != nil || !now.Before(next.Add(time.Duration(item.DurationHours)*time.Hour)) {
			stale = append(stale, name)
			continue
		}
		if lo.Contains(names, name) {
			windows[name] = windowSchedule(name, next, item.DurationHours)
		}
	}

	for _, name := range stale {
		if err := p.deleteWindow(ctx, account, region, name); err != nil {
			logging.FromContext(ctx).With("window", name).Errorf("pruning maintenance window cache, %s", err)
		}
	}

	missing := lo.Filter(names, func(name string, _ int) bool {
		_, ok := windows[name]
		return !ok
	})
	if len(missing) > 0 {
		fresh, err := p.describeWindows(ctx, cfg, region, missing)
		if err != nil {
			return nil, err
		}
		for name, item := range fresh {
			next := lo.Must(parseNextExecution(item.NextExecutionTime))
			windows[name] = windowSchedule(name, next, item.DurationHours)
			item.AccountRegion = scopeKey(account, region)
			if err := p.putWindow(ctx, item); err != nil {
				logging.FromContext(ctx).With("window", name).Errorf("caching maintenance window, %s", err)
			}
		}
	}
	return windows, nil
}

func (p *DefaultProvider) cachedWindows(ctx context.Context, account, region string) (map[string]windowItem, error) {
	if p.tableName == "" {
		return nil, nil
	}
	items := map[string]windowItem{}
	pager := dynamodb.NewQueryPaginator(p.dynamoapi, &dynamodb.QueryInput{
		TableName:              aws.String(p.tableName),
		KeyConditionExpression: aws.String("#scope = :scope"),
		ExpressionAttributeNames: map[string]string{
			"#scope": "account-region",
		},
		ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{
			":scope": &dynamotypes.AttributeValueMemberS{Value: scopeKey(account, region)},
		},
	})
	for pager.HasMorePages() {
		out, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading maintenance window cache for %q, %w", scopeKey(account, region), err)
		}
		var records []windowItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
			return nil, fmt.Errorf("unmarshaling maintenance window cache for %q, %w", scopeKey(account, region), err)
		}
		for _, rec := range records {
			items[rec.Name] = rec
		}
	}
	return items, nil
}

func (p *DefaultProvider) describeWindows(ctx context.Context, cfg aws.Config, region string, names []string) (map[string]windowItem, error) {
	items := map[string]windowItem{}
	pager := ssm.NewDescribeMaintenanceWindowsPaginator(p.ssmFor(cfg, region), &ssm.DescribeMaintenanceWindowsInput{
		Filters: []ssmtypes.MaintenanceWindowFilter{{
			Key:    aws.String("Name"),
			Values: names,
		}},
	})
	for pager.HasMorePages() {
		out, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describing maintenance windows, %w", err)
		}
		for _, identity := range out.WindowIdentities {
			if !identity.Enabled || identity.NextExecutionTime == nil {
				continue
			}
			if _, err := parseNextExecution(aws.ToString(identity.NextExecutionTime)); err != nil {
				logging.FromContext(ctx).With("window", aws.ToString(identity.Name)).Errorf("parsing next execution time, %s", err)
				continue
			}
			items[aws.ToString(identity.Name)] = windowItem{
				Name:              aws.ToString(identity.Name),
				NextExecutionTime: aws.ToString(identity.NextExecutionTime),
				DurationHours:     aws.ToInt32(identity.Duration),
			}
		}
	}
	return items, nil
}

func (p *DefaultProvider) putWindow(ctx context.Context, item windowItem) error {
	if p.tableName == "" {
		return nil
	}
	attrs, err := attributevalue.MarshalMap(item)
	if err != nil {
		return err
	}
	_, err = p.dynamoapi.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.tableName),
		Item:      attrs,
	})
	return err
}

func (p *DefaultProvider) deleteWindow(ctx context.Context, account, region, name string) error {
	if p.tableName == "" {
		return nil
	}
	_, err := p.dynamoapi.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(p.tableName),
		Key: map[string]dynamotypes.AttributeValue{
			"account-region": &dynamotypes.AttributeValueMemberS{Value: scopeKey(account, region)},
			"name":           &dynamotypes.AttributeValueMemberS{Value: name},
		},
	})
	return err
}

func scopeKey(account, region string) string {
	return fmt.Sprintf("%s:%s", account, region)
}

func parseNextExecution(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range nextExecutionLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// windowSchedule converts one window occurrence into a schedule that runs
// from margin minutes before the execution time until the window closes,
// pinned to the begin instant's month and day.
func windowSchedule(name string, next time.Time, durationHours int32) *schedule.Schedule {
	begin := next.Add(-startMargin)
	end := next.Add(time.Duration(durationHours) * time.Hour)
	return &schedule.Schedule{
		Name:     name,
		Timezone: "UTC",
		Periods: []schedule.RunPeriod{{
			Period: &schedule.Period{
				Name:      fmt.Sprintf("%s-period", name),
				BeginTime: lo.ToPtr(schedule.TimeOfDayFromTime(begin)),
				EndTime:   lo.ToPtr(schedule.TimeOfDayFromTime(end)),
				Months:    []time.Month{begin.Month()},
				MonthDays: []int{begin.Day()},
			},
		}},
	}
}
