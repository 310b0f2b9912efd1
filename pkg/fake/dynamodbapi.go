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
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBBehavior must be reset between tests otherwise tests will
// pollute each other. DynamoDB inputs and outputs carry AttributeValue
// interface values that do not survive the MockedFunction JSON clone, so
// this fake tracks calls and injects errors directly instead.
type DynamoDBBehavior struct {
	QueryErr              AtomicError
	ScanErr               AtomicError
	PutItemErr            AtomicError
	DeleteItemErr         AtomicError
	TransactWriteItemsErr AtomicError

	QueryCalls              atomic.Int32
	ScanCalls               atomic.Int32
	TransactWriteItemsCalls atomic.Int32
}

// DynamoDBAPI backs the operations with in-memory tables so that save/load
// round-trips behave like the real service. Tables are declared up front
// with their key schema.
type DynamoDBAPI struct {
	DynamoDBBehavior

	mu                sync.Mutex
	tables            map[string]*fakeTable
	transactedBatches [][]dynamotypes.TransactWriteItem
}

type fakeTable struct {
	partitionKey string
	sortKey      string
	// items maps partition key value -> sort key value -> item
	items map[string]map[string]map[string]dynamotypes.AttributeValue
}

func NewDynamoDBAPI() *DynamoDBAPI {
	return &DynamoDBAPI{tables: map[string]*fakeTable{}}
}

// CreateTable declares a table and its key schema for the in-memory store.
func (d *DynamoDBAPI) CreateTable(name, partitionKey, sortKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[name] = &fakeTable{
		partitionKey: partitionKey,
		sortKey:      sortKey,
		items:        map[string]map[string]map[string]dynamotypes.AttributeValue{},
	}
}

// Reset must be called between tests otherwise tests will pollute
// each other. Declared tables survive, their contents do not.
func (d *DynamoDBAPI) Reset() {
	d.QueryErr.Reset()
	d.ScanErr.Reset()
	d.PutItemErr.Reset()
	d.DeleteItemErr.Reset()
	d.TransactWriteItemsErr.Reset()
	d.QueryCalls.Store(0)
	d.ScanCalls.Store(0)
	d.TransactWriteItemsCalls.Store(0)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transactedBatches = nil
	for _, table := range d.tables {
		table.items = map[string]map[string]map[string]dynamotypes.AttributeValue{}
	}
}

// Items returns every item stored under the partition key value.
func (d *DynamoDBAPI) Items(tableName, partitionValue string) []map[string]dynamotypes.AttributeValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	table, ok := d.tables[tableName]
	if !ok {
		return nil
	}
	var items []map[string]dynamotypes.AttributeValue
	for _, item := range table.items[partitionValue] {
		items = append(items, item)
	}
	return items
}

// TransactedBatches returns the item batches passed to TransactWriteItems,
// in call order.
func (d *DynamoDBAPI) TransactedBatches() [][]dynamotypes.TransactWriteItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]dynamotypes.TransactWriteItem{}, d.transactedBatches...)
}

func (d *DynamoDBAPI) Query(_ context.Context, input *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if err := d.QueryErr.Get(); err != nil {
		return nil, err
	}
	d.QueryCalls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	output := &dynamodb.QueryOutput{}
	table, ok := d.tables[aws.ToString(input.TableName)]
	if !ok {
		return output, nil
	}
	// the callers only issue single-equality key conditions, so the sole
	// string expression value is the partition key value
	for _, value := range input.ExpressionAttributeValues {
		member, ok := value.(*dynamotypes.AttributeValueMemberS)
		if !ok {
			continue
		}
		for _, item := range table.items[member.Value] {
			output.Items = append(output.Items, item)
		}
	}
	output.Count = int32(len(output.Items))
	return output, nil
}

func (d *DynamoDBAPI) Scan(_ context.Context, input *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if err := d.ScanErr.Get(); err != nil {
		return nil, err
	}
	d.ScanCalls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	output := &dynamodb.ScanOutput{}
	table, ok := d.tables[aws.ToString(input.TableName)]
	if !ok {
		return output, nil
	}
	for _, partition := range table.items {
		for _, item := range partition {
			output.Items = append(output.Items, item)
		}
	}
	output.Count = int32(len(output.Items))
	return output, nil
}

func (d *DynamoDBAPI) PutItem(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if err := d.PutItemErr.Get(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.putLocked(aws.ToString(input.TableName), input.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (d *DynamoDBAPI) DeleteItem(_ context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if err := d.DeleteItemErr.Get(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleteLocked(aws.ToString(input.TableName), input.Key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (d *DynamoDBAPI) TransactWriteItems(_ context.Context, input *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	d.TransactWriteItemsCalls.Add(1)
	if err := d.TransactWriteItemsErr.Get(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transactedBatches = append(d.transactedBatches, input.TransactItems)
	for _, write := range input.TransactItems {
		if write.Put != nil {
			d.putLocked(aws.ToString(write.Put.TableName), write.Put.Item)
		}
		if write.Delete != nil {
			d.deleteLocked(aws.ToString(write.Delete.TableName), write.Delete.Key)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (d *DynamoDBAPI) putLocked(tableName string, item map[string]dynamotypes.AttributeValue) {
	table, ok := d.tables[tableName]
	if !ok {
		return
	}
	pk, sk := table.keyValues(item)
	if table.items[pk] == nil {
		table.items[pk] = map[string]map[string]dynamotypes.AttributeValue{}
	}
	table.items[pk][sk] = item
}

func (d *DynamoDBAPI) deleteLocked(tableName string, key map[string]dynamotypes.AttributeValue) {
	table, ok := d.tables[tableName]
	if !ok {
		return
	}
	pk, sk := table.keyValues(key)
	delete(table.items[pk], sk)
}

func (t *fakeTable) keyValues(item map[string]dynamotypes.AttributeValue) (string, string) {
	return stringAttribute(item[t.partitionKey]), stringAttribute(item[t.sortKey])
}

func stringAttribute(value dynamotypes.AttributeValue) string {
	if member, ok := value.(*dynamotypes.AttributeValueMemberS); ok {
		return member.Value
	}
	return ""
}
