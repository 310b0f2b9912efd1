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
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/google/uuid"
	"github.com/samber/lo"

	sdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
)

// EventBridgeBehavior must be reset between tests otherwise tests will
// pollute each other.
type EventBridgeBehavior struct {
	PutEventsBehavior MockedFunction[eventbridge.PutEventsInput, eventbridge.PutEventsOutput]
}

type EventBridgeAPI struct {
	sdk.EventBridgeAPI
	EventBridgeBehavior
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (e *EventBridgeAPI) Reset() {
	e.PutEventsBehavior.Reset()
}

func (e *EventBridgeAPI) PutEvents(_ context.Context, input *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	return e.PutEventsBehavior.Invoke(input, func(input *eventbridge.PutEventsInput) (*eventbridge.PutEventsOutput, error) {
		return &eventbridge.PutEventsOutput{
			Entries: lo.Times(len(input.Entries), func(int) eventbridgetypes.PutEventsResultEntry {
				return eventbridgetypes.PutEventsResultEntry{EventId: aws.String(uuid.NewString())}
			}),
		}, nil
	})
}
