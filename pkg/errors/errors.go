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

package errors

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
	"github.com/samber/lo"
)

const (
	AccessDeniedCode          = "AccessDenied"
	AccessDeniedExceptionCode = "AccessDeniedException"
)

var (
	accessDeniedErrorCodes = []string{
		AccessDeniedCode,
		AccessDeniedExceptionCode,
		"AuthFailure",
		"UnauthorizedOperation",
	}
	// This is not an exhaustive list, add to it as needed
	notFoundErrorCodes = []string{
		"InvalidInstanceID.NotFound",
		"DBInstanceNotFound",
		"DBInstanceNotFoundFault",
		"DBClusterNotFoundFault",
		"ResourceNotFoundException",
		"ParameterNotFound",
		"DoesNotExistException",
	}
	throttledErrorCodes = []string{
		"Throttling",
		"ThrottlingException",
		"RequestLimitExceeded",
		"TooManyRequestsException",
	}
	// invalidStateErrorCodes signify that an instance cannot take the requested
	// transition right now; the next cycle re-derives and retries
	invalidStateErrorCodes = []string{
		"IncorrectInstanceState",
		"IncorrectSpotRequestState",
		"InvalidDBInstanceState",
		"InvalidDBInstanceStateFault",
		"InvalidDBClusterStateFault",
	}
)

// ConfigurationError marks a scheduler configuration that cannot drive a
// cycle (unknown time zone, missing mandatory field). It aborts the whole
// cycle rather than a single scope.
type ConfigurationError struct {
	error
}

func NewConfigurationError(format string, a ...any) *ConfigurationError {
	return &ConfigurationError{error: fmt.Errorf(format, a...)}
}

func WrapConfigurationError(err error) error {
	if err == nil {
		return nil
	}
	return &ConfigurationError{error: err}
}

func (e *ConfigurationError) Unwrap() error {
	return e.error
}

func IsConfigurationError(err error) bool {
	if err == nil {
		return false
	}
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// IsAccessDenied returns true if the error is an AWS error (even if it's
// wrapped) and is known to mean "access denied" (as opposed to a more
// serious or unexpected error)
func IsAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := lo.ErrorsAs[smithy.APIError](err); ok {
		return lo.Contains(accessDeniedErrorCodes, apiErr.ErrorCode())
	}
	return false
}

// IsNotFound returns true if the err is an AWS error (even if it's
// wrapped) and is known to mean "not found" (as opposed to a more
// serious or unexpected error)
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := lo.ErrorsAs[smithy.APIError](err); ok {
		return lo.Contains(notFoundErrorCodes, apiErr.ErrorCode())
	}
	return false
}

// IsThrottled returns true if the error means the request rate was exceeded.
// Callers should back off instead of fanning the request out further.
func IsThrottled(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := lo.ErrorsAs[smithy.APIError](err); ok {
		return lo.Contains(throttledErrorCodes, apiErr.ErrorCode())
	}
	return false
}

// IsInvalidState returns true if the error means the instance is mid-transition
// and cannot take the requested action this cycle.
func IsInvalidState(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := lo.ErrorsAs[smithy.APIError](err); ok {
		return lo.Contains(invalidStateErrorCodes, apiErr.ErrorCode())
	}
	return false
}

// IsTransactionCanceled returns true for DynamoDB transactional writes that
// were canceled and may be retried once.
func IsTransactionCanceled(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := lo.ErrorsAs[smithy.APIError](err); ok {
		return apiErr.ErrorCode() == "TransactionCanceledException"
	}
	return false
}
