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

package schedules

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	cache "github.com/patrickmn/go-cache"

	sdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
	"github.com/fleetpark/fleetpark-aws/pkg/config"
	"github.com/fleetpark/fleetpark-aws/pkg/schedule"
)

// The configuration table keys items by name and discriminates them with a
// type attribute. The global configuration item shares the table, so rows
// that are neither schedules nor periods are skipped here.
const (
	itemTypeAttribute = "type"
	itemTypeSchedule  = "schedule"
	itemTypePeriod    = "period"

	cacheKey             = "schedules"
	cacheCleanupInterval = 10 * time.Minute
)

// Provider returns the schedule definitions instances can be tagged with,
// keyed by schedule name.
type Provider interface {
	Schedules(ctx context.Context) (map[string]*schedule.Schedule, error)
}

type DefaultProvider struct {
	dynamoapi sdk.DynamoDBAPI
	tableName string
	cache     *cache.Cache
}

// NewDefaultProvider reads schedules from the configuration table. A
// non-positive ttl disables caching and every call scans the table.
func NewDefaultProvider(dynamoapi sdk.DynamoDBAPI, tableName string, ttl time.Duration) *DefaultProvider {
	p := &DefaultProvider{
		dynamoapi: dynamoapi,
		tableName: tableName,
	}
	if ttl > 0 {
		p.cache = cache.New(ttl, cacheCleanupInterval)
	}
	return p
}

func (p *DefaultProvider) Schedules(ctx context.Context) (map[string]*schedule.Schedule, error) {
	if p.cache != nil {
		if cached, ok := p.cache.Get(cacheKey); ok {
			return cached.(map[string]*schedule.Schedule), nil
		}
	}
	doc := config.ConfigurationDocument{
		Schedules: map[string]config.ScheduleDocument{},
		Periods:   map[string]config.PeriodDocument{},
	}
	paginator := dynamodb.NewScanPaginator(p.dynamoapi, &dynamodb.ScanInput{
		TableName: aws.String(p.tableName),
	})
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scanning configuration table %q, %w", p.tableName, err)
		}
		for _, item := range out.Items {
			switch itemType(item) {
			case itemTypeSchedule:
				var sd config.ScheduleDocument
				if err := attributevalue.UnmarshalMap(item, &sd); err != nil {
					return nil, fmt.Errorf("unmarshalling schedule item, %w", err)
				}
				doc.Schedules[sd.Name] = sd
			case itemTypePeriod:
				var pd config.PeriodDocument
				if err := attributevalue.UnmarshalMap(item, &pd); err != nil {
					return nil, fmt.Errorf("unmarshalling period item, %w", err)
				}
				doc.Periods[pd.Name] = pd
			}
		}
	}
	cfg, err := config.FromDocument(doc)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.SetDefault(cacheKey, cfg.Schedules)
	}
	return cfg.Schedules, nil
}

func itemType(item map[string]dynamotypes.AttributeValue) string {
	if value, ok := item[itemTypeAttribute].(*dynamotypes.AttributeValueMemberS); ok {
		return value.Value
	}
	return ""
}
