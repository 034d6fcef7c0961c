package awscloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/opgate/opgate/pkg/engine"
)

var permissionCodes = map[string]bool{
	"AccessDenied":          true,
	"AllAccessDisabled":     true,
	"Forbidden":             true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"ExpiredToken":          true,
	"InvalidToken":          true,
	"AccountProblem":        true,
	"UnauthorizedOperation": true,
	"AuthFailure":           true,
	"OptInRequired":         true,
	// The name is taken by another account.
	"BucketAlreadyExists": true,
}

var notFoundCodes = map[string]bool{
	"NoSuchBucket":               true,
	"NotFound":                   true,
	"InvalidInstanceID.NotFound": true,
}

var throttleCodes = map[string]bool{
	"SlowDown":                 true,
	"Throttling":               true,
	"ThrottlingException":      true,
	"RequestLimitExceeded":     true,
	"TooManyRequests":          true,
	"TooManyRequestsException": true,
}

var unsupportedCodes = map[string]bool{
	"NotImplemented":                     true,
	"InvalidLocationConstraint":          true,
	"IllegalLocationConstraintException": true,
}

// mapError converts an SDK error into an adapter error. The API error code is
// matched first, then the HTTP status; anything else is TRANSIENT.
func mapError(action string, err error) *engine.EngineError {
	code := engine.ErrCodeTransient
	var apiCode string

	var ae smithy.APIError
	if errors.As(err, &ae) {
		apiCode = ae.ErrorCode()
		switch {
		case permissionCodes[apiCode]:
			code = engine.ErrCodePermissionDenied
		case notFoundCodes[apiCode]:
			code = engine.ErrCodeNotFound
		case throttleCodes[apiCode]:
			code = engine.ErrCodeThrottled
		case unsupportedCodes[apiCode]:
			code = engine.ErrCodeUnsupported
		}
	}

	if code == engine.ErrCodeTransient && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		var re *awshttp.ResponseError
		if errors.As(err, &re) {
			code = codeForStatus(re.HTTPStatusCode(), code)
		} else if apiCode == "" && strings.Contains(strings.ToLower(err.Error()), "credentials") {
			code = engine.ErrCodePermissionDenied
		}
	}

	e := engine.NewAdapterError(code, fmt.Sprintf("failed to %s", action), err)
	if apiCode != "" {
		e = e.WithDetail("aws_code", apiCode)
	}
	return e
}

func codeForStatus(status int, fallback string) string {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return engine.ErrCodePermissionDenied
	case http.StatusNotFound:
		return engine.ErrCodeNotFound
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return engine.ErrCodeThrottled
	case http.StatusNotImplemented:
		return engine.ErrCodeUnsupported
	default:
		return fallback
	}
}
