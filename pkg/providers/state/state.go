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

// Package state persists the last desired state recorded per instance,
// scoped by (service, account, region). One record per instance; the scope
// key is the partition, the instance id the sort key.
package state

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	sdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
	scherrors "github.com/fleetpark/fleetpark-aws/pkg/errors"
	"github.com/fleetpark/fleetpark-aws/pkg/logging"
	"github.com/fleetpark/fleetpark-aws/pkg/schedule"
)

// transactBatchSize keeps each TransactWriteItems call within the service's
// transactional item ceiling.
const transactBatchSize = 25

type Provider interface {
	Load(ctx context.Context, service, account, region string) (*Store, error)
}

type DefaultProvider struct {
	dynamoapi sdk.DynamoDBAPI
	tableName string
}

func NewDefaultProvider(dynamoapi sdk.DynamoDBAPI, tableName string) *DefaultProvider {
	return &DefaultProvider{
		dynamoapi: dynamoapi,
		tableName: tableName,
	}
}

type record struct {
	Name     string `dynamodbav:"name"`
	Instance string `dynamodbav:"instance"`
	State    string `dynamodbav:"state"`
}

// Load fetches every record in the (service, account, region) scope. The
// returned Store works on an in-memory view; nothing is written back until
// Save.
func (p *DefaultProvider) Load(ctx context.Context, service, account, region string) (*Store, error) {
	store := &Store{
		provider: p,
		scopeKey: scopeKey(service, account, region),
		loaded:   map[string]schedule.State{},
		states:   map[string]schedule.State{},
	}
	pager := dynamodb.NewQueryPaginator(p.dynamoapi, &dynamodb.QueryInput{
		TableName:              aws.String(p.tableName),
		KeyConditionExpression: aws.String("#name = :name"),
		ExpressionAttributeNames: map[string]string{
			"#name": "name",
		},
		ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{
			":name": &dynamotypes.AttributeValueMemberS{Value: store.scopeKey},
		},
	})
	for pager.HasMorePages() {
		out, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading instance states for %q, %w", store.scopeKey, err)
		}
		var records []record
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
			return nil, fmt.Errorf("unmarshaling instance states for %q, %w", store.scopeKey, err)
		}
		for _, rec := range records {
			store.loaded[rec.Instance] = schedule.State(rec.State)
			store.states[rec.Instance] = schedule.State(rec.State)
		}
	}
	return store, nil
}

func scopeKey(service, account, region string) string {
	return fmt.Sprintf("%s:%s:%s", service, account, region)
}

// Store is the in-memory working set for one scope. It is not safe for
// concurrent use; the engine owns one scope at a time.
type Store struct {
	provider *DefaultProvider
	scopeKey string
	// loaded is the snapshot as of Load (updated on successful Save); states
	// is the working view. Save persists their difference.
	loaded map[string]schedule.State
	states map[string]schedule.State
}

// Get returns the recorded desired state, or StateUnknown when the instance
// has never been recorded.
func (s *Store) Get(instanceID string) schedule.State {
	if st, ok := s.states[instanceID]; ok {
		return st
	}
	return schedule.StateUnknown
}

func (s *Store) Set(instanceID string, st schedule.State) {
	s.states[instanceID] = st
}

func (s *Store) Delete(instanceID string) {
	delete(s.states, instanceID)
}

// Len reports the number of records in the working view.
func (s *Store) Len() int {
	return len(s.states)
}

// Cleanup drops every record whose instance was not observed this cycle, so
// vanished instances don't accumulate state.
func (s *Store) Cleanup(observed map[string]struct{}) {
	for id := range s.states {
		if _, ok := observed[id]; !ok {
			delete(s.states, id)
		}
	}
}

// Save persists the working view. The write set is the difference against
// the loaded snapshot, committed in transactional batches. A context that is
// already done aborts before the first write; once writing starts the save
// runs to completion so the scope is never half-persisted by cancellation.
func (s *Store) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("saving instance states for %q, %w", s.scopeKey, err)
	}
	var writes []dynamotypes.TransactWriteItem
	for id, st := range s.states {
		if prev, ok := s.loaded[id]; ok && prev == st {
			continue
		}
		item, err := attributevalue.MarshalMap(record{Name: s.scopeKey, Instance: id, State: string(st)})
		if err != nil {
			return fmt.Errorf("marshaling instance state for %q, %w", id, err)
		}
		writes = append(writes, dynamotypes.TransactWriteItem{
			Put: &dynamotypes.Put{
				TableName: aws.String(s.provider.tableName),
				Item:      item,
			},
		})
	}
	for id := range s.loaded {
		if _, ok := s.states[id]; ok {
			continue
		}
		writes = append(writes, dynamotypes.TransactWriteItem{
			Delete: &dynamotypes.Delete{
				TableName: aws.String(s.provider.tableName),
				Key: map[string]dynamotypes.AttributeValue{
					"name":     &dynamotypes.AttributeValueMemberS{Value: s.scopeKey},
					"instance": &dynamotypes.AttributeValueMemberS{Value: id},
				},
			},
		})
	}
	if len(writes) == 0 {
		return nil
	}
	// Past this point the save must complete even if the cycle is canceled.
	writeCtx := context.WithoutCancel(ctx)
	for _, chunk := range lo.Chunk(writes, transactBatchSize) {
		if err := s.transact(writeCtx, chunk); err != nil {
			return fmt.Errorf("saving instance states for %q, %w", s.scopeKey, err)
		}
	}
	s.loaded = map[string]schedule.State{}
	for id, st := range s.states {
		s.loaded[id] = st
	}
	return nil
}

func (s *Store) transact(ctx context.Context, chunk []dynamotypes.TransactWriteItem) error {
	_, err := s.provider.dynamoapi.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: chunk,
	})
	if scherrors.IsTransactionCanceled(err) {
		logging.FromContext(ctx).With("scope", s.scopeKey).Debugf("retrying canceled state transaction")
		_, err = s.provider.dynamoapi.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: chunk,
		})
	}
	return err
}
