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

package metrics

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	timestreamtypes "github.com/aws/aws-sdk-go-v2/service/timestreamwrite/types"
	"k8s.io/utils/clock"

	sdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
)

const (
	measureStarted = "Started"
	measureStopped = "Stopped"
	measureResized = "Resized"

	serviceDimension = "service"
	typeDimension    = "type"
)

// UsageCounters tallies instance actions by machine type over one cycle.
// Resizes are keyed "oldType-newType".
type UsageCounters struct {
	Started map[string]int
	Stopped map[string]int
	Resized map[string]int
}

func NewUsageCounters() *UsageCounters {
	return &UsageCounters{
		Started: map[string]int{},
		Stopped: map[string]int{},
		Resized: map[string]int{},
	}
}

func (u *UsageCounters) IsEmpty() bool {
	return len(u.Started) == 0 && len(u.Stopped) == 0 && len(u.Resized) == 0
}

// Client receives the cycle's usage tallies once scheduling has finished.
type Client interface {
	FireUsage(ctx context.Context, service string, usage *UsageCounters) error
}

// TimestreamClient writes one record per non-zero counter.
type TimestreamClient struct {
	api      sdk.TimestreamWriteAPI
	database string
	table    string
	clk      clock.Clock
}

func NewTimestreamClient(api sdk.TimestreamWriteAPI, database, table string, clk clock.Clock) *TimestreamClient {
	return &TimestreamClient{
		api:      api,
		database: database,
		table:    table,
		clk:      clk,
	}
}

func (c *TimestreamClient) FireUsage(ctx context.Context, service string, usage *UsageCounters) error {
	now := strconv.FormatInt(c.clk.Now().UnixMilli(), 10)
	var records []timestreamtypes.Record
	for _, group := range []struct {
		measure string
		counts  map[string]int
	}{
		{measureStarted, usage.Started},
		{measureStopped, usage.Stopped},
		{measureResized, usage.Resized},
	} {
		for instanceType, count := range group.counts {
			if count == 0 {
				continue
			}
			records = append(records, timestreamtypes.Record{
				MeasureName:      aws.String(group.measure),
				MeasureValue:     aws.String(strconv.Itoa(count)),
				MeasureValueType: timestreamtypes.MeasureValueTypeBigint,
				Time:             aws.String(now),
				TimeUnit:         timestreamtypes.TimeUnitMilliseconds,
				Dimensions: []timestreamtypes.Dimension{
					{Name: aws.String(serviceDimension), Value: aws.String(service)},
					{Name: aws.String(typeDimension), Value: aws.String(instanceType)},
				},
			})
		}
	}
	if len(records) == 0 {
		return nil
	}
	if _, err := c.api.WriteRecords(ctx, &timestreamwrite.WriteRecordsInput{
		DatabaseName: aws.String(c.database),
		TableName:    aws.String(c.table),
		Records:      records,
	}); err != nil {
		return fmt.Errorf("writing usage records, %w", err)
	}
	return nil
}

// NoOpClient drops usage tallies when telemetry is disabled.
type NoOpClient struct{}

func (NoOpClient) FireUsage(context.Context, string, *UsageCounters) error {
	return nil
}
