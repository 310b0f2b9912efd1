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

// Package bus publishes scheduler events to the rest of the deployment:
// configuration change requests and cycle results on EventBridge, operator
// issue reports on SQS.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	sdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
	"github.com/fleetpark/fleetpark-aws/pkg/logging"
)

const (
	// Source stamps every event published by the scheduler.
	Source = "fleetpark.scheduler"

	// DetailTypeConfigurationChange asks the configuration owner to apply a
	// change, e.g. dropping an account whose role can no longer be assumed.
	DetailTypeConfigurationChange = "Parameter Store Change"
	// DetailTypeCycleCompleted carries the per-service results of a cycle.
	DetailTypeCycleCompleted = "Scheduler Cycle Completed"
	// DetailTypeIssue flags an anomaly for operator attention.
	DetailTypeIssue = "Scheduler Issue"

	publishAttempts = 3
	publishDelay    = time.Second
)

// Event is one outbound notification on the scheduler bus.
type Event struct {
	DetailType string
	// Detail is JSON-marshalled into the event body.
	Detail any
}

// DeconfigureAccountDetail asks for an account's removal from the scheduling
// configuration.
type DeconfigureAccountDetail struct {
	Account   string `json:"account"`
	Operation string `json:"operation"`
}

// Issue is an out-of-band anomaly report for operators.
type Issue struct {
	Service string `json:"service,omitempty"`
	Account string `json:"account,omitempty"`
	Region  string `json:"region,omitempty"`
	Message string `json:"message"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type EventBridgePublisher struct {
	api     sdk.EventBridgeAPI
	busName string
}

// NewEventBridgePublisher publishes to the named event bus, or to the
// account's default bus when busName is empty.
func NewEventBridgePublisher(api sdk.EventBridgeAPI, busName string) *EventBridgePublisher {
	return &EventBridgePublisher{api: api, busName: busName}
}

func (p *EventBridgePublisher) Publish(ctx context.Context, evt Event) error {
	detail, err := json.Marshal(evt.Detail)
	if err != nil {
		return fmt.Errorf("marshalling %s detail, %w", evt.DetailType, err)
	}
	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(Source),
		DetailType: aws.String(evt.DetailType),
		Detail:     aws.String(string(detail)),
	}
	if p.busName != "" {
		entry.EventBusName = aws.String(p.busName)
	}
	return retry.Do(func() error {
		out, err := p.api.PutEvents(ctx, &eventbridge.PutEventsInput{
			Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
		})
		if err != nil {
			return err
		}
		// entry-level failures come back in the result, not the call error
		if out.FailedEntryCount > 0 {
			return fmt.Errorf("publishing %s event, %s, %s",
				evt.DetailType, aws.ToString(out.Entries[0].ErrorCode), aws.ToString(out.Entries[0].ErrorMessage))
		}
		return nil
	}, retry.Context(ctx), retry.Attempts(publishAttempts), retry.Delay(publishDelay), retry.LastErrorOnly(true))
}

type SQSPublisher struct {
	api      sdk.SQSAPI
	queueURL string
}

func NewSQSPublisher(api sdk.SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{api: api, queueURL: queueURL}
}

// envelope mirrors the EventBridge event shape in the SQS message body.
type envelope struct {
	Source     string `json:"source"`
	DetailType string `json:"detail-type"`
	Detail     any    `json:"detail"`
}

func (p *SQSPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(envelope{Source: Source, DetailType: evt.DetailType, Detail: evt.Detail})
	if err != nil {
		return fmt.Errorf("marshalling %s message, %w", evt.DetailType, err)
	}
	return retry.Do(func() error {
		_, err := p.api.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(p.queueURL),
			MessageBody: aws.String(string(body)),
		})
		return err
	}, retry.Context(ctx), retry.Attempts(publishAttempts), retry.Delay(publishDelay), retry.LastErrorOnly(true))
}

// Dispatcher fans events out without blocking the caller; a scheduling cycle
// never waits on the bus. Publish failures are logged, not returned.
type Dispatcher struct {
	events Publisher
	issues Publisher
	wg     sync.WaitGroup
}

// NewDispatcher routes events through the main publisher and anomaly reports
// through the issues publisher. A nil issues publisher drops reports.
func NewDispatcher(events, issues Publisher) *Dispatcher {
	return &Dispatcher{events: events, issues: issues}
}

// Dispatch publishes asynchronously. The event still goes out when the
// calling scope is being cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) {
	d.publish(context.WithoutCancel(ctx), d.events, evt)
}

// DeconfigureAccount asks the configuration owner to drop an account whose
// scheduler role can no longer be assumed, and flags it to operators.
func (d *Dispatcher) DeconfigureAccount(ctx context.Context, account string) {
	d.Dispatch(ctx, Event{
		DetailType: DetailTypeConfigurationChange,
		Detail:     DeconfigureAccountDetail{Account: account, Operation: "Delete"},
	})
	d.ReportIssue(ctx, Issue{
		Account: account,
		Message: "account removed from scheduling, assume role permission is missing",
	})
}

// ReportIssue forwards an anomaly to the operator issues queue when one is
// configured.
func (d *Dispatcher) ReportIssue(ctx context.Context, issue Issue) {
	d.publish(context.WithoutCancel(ctx), d.issues, Event{DetailType: DetailTypeIssue, Detail: issue})
}

func (d *Dispatcher) publish(ctx context.Context, publisher Publisher, evt Event) {
	if publisher == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := publisher.Publish(ctx, evt); err != nil {
			logging.FromContext(ctx).Errorf("publishing %s event, %s", evt.DetailType, err)
		}
	}()
}

// Drain blocks until every dispatched event has been published.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}
