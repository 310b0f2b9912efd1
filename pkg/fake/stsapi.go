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
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"

	sdk "github.com/fleetpark/fleetpark-aws/pkg/aws"
)

// STSBehavior must be reset between tests otherwise tests will
// pollute each other.
type STSBehavior struct {
	AssumeRoleBehavior        MockedFunction[sts.AssumeRoleInput, sts.AssumeRoleOutput]
	GetCallerIdentityBehavior MockedFunction[sts.GetCallerIdentityInput, sts.GetCallerIdentityOutput]
}

type STSAPI struct {
	sdk.STSAPI
	STSBehavior
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *STSAPI) Reset() {
	s.AssumeRoleBehavior.Reset()
	s.GetCallerIdentityBehavior.Reset()
}

func (s *STSAPI) AssumeRole(_ context.Context, input *sts.AssumeRoleInput, _ ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	return s.AssumeRoleBehavior.Invoke(input, func(input *sts.AssumeRoleInput) (*sts.AssumeRoleOutput, error) {
		return &sts.AssumeRoleOutput{
			AssumedRoleUser: &ststypes.AssumedRoleUser{
				Arn:           aws.String(fmt.Sprintf("%s/%s", aws.ToString(input.RoleArn), aws.ToString(input.RoleSessionName))),
				AssumedRoleId: aws.String("AROAFAKEROLEID:" + aws.ToString(input.RoleSessionName)),
			},
			Credentials: &ststypes.Credentials{
				AccessKeyId:     aws.String("AKIAFAKEACCESSKEY"),
				SecretAccessKey: aws.String("fake-secret-access-key"),
				SessionToken:    aws.String("fake-session-token"),
				Expiration:      aws.Time(time.Now().Add(time.Hour)),
			},
		}, nil
	})
}

func (s *STSAPI) GetCallerIdentity(_ context.Context, input *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return s.GetCallerIdentityBehavior.Invoke(input, func(*sts.GetCallerIdentityInput) (*sts.GetCallerIdentityOutput, error) {
		return &sts.GetCallerIdentityOutput{
			Account: aws.String("123456789012"),
			Arn:     aws.String("arn:aws:iam::123456789012:role/fleetpark-scheduler-role"),
			UserId:  aws.String("AROAFAKEUSERID"),
		}, nil
	})
}
