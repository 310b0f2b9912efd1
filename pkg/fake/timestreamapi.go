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

	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"

	sdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
)

// TimestreamWriteBehavior must be reset between tests otherwise tests will
// pollute each other.
type TimestreamWriteBehavior struct {
	WriteRecordsBehavior MockedFunction[timestreamwrite.WriteRecordsInput, timestreamwrite.WriteRecordsOutput]
}

type TimestreamWriteAPI struct {
	sdk.TimestreamWriteAPI
	TimestreamWriteBehavior
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (t *TimestreamWriteAPI) Reset() {
	t.WriteRecordsBehavior.Reset()
}

func (t *TimestreamWriteAPI) WriteRecords(_ context.Context, input *timestreamwrite.WriteRecordsInput, _ ...func(*timestreamwrite.Options)) (*timestreamwrite.WriteRecordsOutput, error) {
	return t.WriteRecordsBehavior.Invoke(input, func(*timestreamwrite.WriteRecordsInput) (*timestreamwrite.WriteRecordsOutput, error) {
		return &timestreamwrite.WriteRecordsOutput{}, nil
	})
}
