package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ingestgw/uploadgw"
)

// MapS3Error converts S3 SDK errors to the gateway's domain errors.
// Authentication and permission errors map to ErrRemotePermanent (surfaced
// immediately, never retried, per spec.md §4.2) and not-found errors to
// ErrNotFound. An HTTP status the mapper recognizes but does not classify
// (e.g. 400) is wrapped without either remote sentinel; an error matching
// no known type, status, code or message pattern is treated as
// ErrRemoteTransient.
func MapS3Error(err error, op, key string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &uploadgw.GatewayError{Op: op, ID: key, Err: uploadgw.ErrRemoteTransient}
	}

	switch err.(type) {
	case *types.NoSuchBucket, *types.NoSuchKey, *types.NotFound:
		return &uploadgw.GatewayError{Op: op, ID: key, Err: uploadgw.ErrNotFound}

	case *types.BucketAlreadyExists, *types.BucketAlreadyOwnedByYou:
		return &uploadgw.GatewayError{Op: op, ID: key, Err: fmt.Errorf("bucket conflict: %w", uploadgw.ErrRemotePermanent)}

	case *types.InvalidObjectState:
		return &uploadgw.GatewayError{Op: op, ID: key, Err: fmt.Errorf("invalid object state: %w", uploadgw.ErrRemotePermanent)}
	}

	if httpErr := extractHTTPError(err); httpErr != nil {
		return mapHTTPError(httpErr, op, key)
	}

	if awsErr := extractAWSError(err); awsErr != nil {
		return mapAWSError(awsErr, op, key)
	}

	if mapped := mapByErrorMessage(err, op, key); mapped != nil {
		return mapped
	}

	return &uploadgw.GatewayError{Op: op, ID: key, Err: fmt.Errorf("%w: %v", uploadgw.ErrRemoteTransient, err)}
}

// HTTPError represents an HTTP-level error extracted from an SDK error.
type HTTPError struct {
	StatusCode int
	Status     string
	Message    string
}

func extractHTTPError(err error) *HTTPError {
	errStr := err.Error()

	if strings.Contains(errStr, "404") || strings.Contains(strings.ToLower(errStr), "not found") {
		return &HTTPError{StatusCode: 404, Status: "Not Found", Message: errStr}
	}
	if strings.Contains(errStr, "403") || strings.Contains(strings.ToLower(errStr), "forbidden") {
		return &HTTPError{StatusCode: 403, Status: "Forbidden", Message: errStr}
	}
	if strings.Contains(errStr, "409") || strings.Contains(strings.ToLower(errStr), "conflict") {
		return &HTTPError{StatusCode: 409, Status: "Conflict", Message: errStr}
	}
	if strings.Contains(errStr, "413") || strings.Contains(strings.ToLower(errStr), "too large") {
		return &HTTPError{StatusCode: 413, Status: "Payload Too Large", Message: errStr}
	}
	if strings.Contains(errStr, "429") || strings.Contains(strings.ToLower(errStr), "too many requests") {
		return &HTTPError{StatusCode: 429, Status: "Too Many Requests", Message: errStr}
	}
	if strings.Contains(errStr, "500") || strings.Contains(strings.ToLower(errStr), "internal server") {
		return &HTTPError{StatusCode: 500, Status: "Internal Server Error", Message: errStr}
	}
	if strings.Contains(errStr, "503") || strings.Contains(strings.ToLower(errStr), "service unavailable") {
		return &HTTPError{StatusCode: 503, Status: "Service Unavailable", Message: errStr}
	}

	if statusCode := parseStatusCodeFromMessage(errStr); statusCode > 0 {
		return &HTTPError{StatusCode: statusCode, Status: http.StatusText(statusCode), Message: errStr}
	}

	return nil
}

func parseStatusCodeFromMessage(errStr string) int {
	patterns := []string{"status code: ", "status code ", "HTTP ", "http "}

	for _, pattern := range patterns {
		if idx := strings.Index(strings.ToLower(errStr), pattern); idx >= 0 {
			start := idx + len(pattern)
			if start < len(errStr) {
				numStr := ""
				for i := start; i < len(errStr) && len(numStr) < 3; i++ {
					if errStr[i] >= '0' && errStr[i] <= '9' {
						numStr += string(errStr[i])
					} else if len(numStr) > 0 {
						break
					}
				}
				if code, err := strconv.Atoi(numStr); err == nil && code >= 100 && code <= 599 {
					return code
				}
			}
		}
	}

	return 0
}

func mapHTTPError(httpErr *HTTPError, op, key string) error {
	switch httpErr.StatusCode {
	case 404:
		return &uploadgw.GatewayError{Op: op, ID: key, Err: uploadgw.ErrNotFound}
	case 403:
		return &uploadgw.GatewayError{Op: op, ID: key, Err: fmt.Errorf("access denied: %w", uploadgw.ErrRemotePermanent)}
	case 409:
		return &uploadgw.GatewayError{Op: op, ID: key, Err: fmt.Errorf("conflict: %w", uploadgw.ErrRemotePermanent)}
	case 413:
		return &uploadgw.GatewayError{Op: op, ID: key, Err: fmt.Errorf("payload too large: %w", uploadgw.ErrRemotePermanent)}
	case 429:
		return &uploadgw.GatewayError{Op: op, ID: key, Err: fmt.Errorf("rate limited: %w", uploadgw.ErrRemoteTransient)}
	case 500, 502, 503, 504:
		return &uploadgw.GatewayError{Op: op, ID: key, Err: fmt.Errorf("server error (%d): %w", httpErr.StatusCode, uploadgw.ErrRemoteTransient)}
	default:
		return &uploadgw.GatewayError{Op: op, ID: key, Err: fmt.Errorf("HTTP %d: %s", httpErr.StatusCode, httpErr.Message)}
	}
}

// AWSError represents a generic AWS API error extracted from an SDK error.
type AWSError struct {
	Code    string
	Message string
}

var awsErrorCodes = map[string]string{
	"NoSuchBucket":            "Bucket does not exist",
	"NoSuchKey":               "Object does not exist",
	"BucketAlreadyExists":     "Bucket already exists",
	"BucketAlreadyOwnedByYou": "Bucket already owned by you",
	"InvalidBucketName":       "Invalid bucket name",
	"AccessDenied":            "Access denied",
	"InvalidAccessKeyId":      "Invalid access key",
	"SignatureDoesNotMatch":   "Invalid secret key",
	"TokenRefreshRequired":    "Token refresh required",
	"RequestTimeTooSkewed":    "Request time too skewed",
	"EntityTooLarge":          "Entity too large",
	"MalformedXML":            "Malformed request",
	"InvalidRequest":          "Invalid request",
	"ServiceUnavailable":      "Service unavailable",
	"InternalError":           "Internal server error",
	"SlowDown":                "Reduce request rate",
}

func extractAWSError(err error) *AWSError {
	errStr := err.Error()
	for code, message := range awsErrorCodes {
		if strings.Contains(errStr, code) {
			return &AWSError{Code: code, Message: message}
		}
	}
	return nil
}

// mapAWSError maps AWS API error codes to gateway domain errors. Credential
// and signature errors (AccessDenied / InvalidAccessKeyId /
// SignatureDoesNotMatch) are non-retryable permanent errors (spec.md §4.2).
func mapAWSError(awsErr *AWSError, op, key string) error {
	switch awsErr.Code {
	case "NoSuchBucket", "NoSuchKey":
		return &uploadgw.GatewayError{Op: op, ID: key, Err: uploadgw.ErrNotFound}

	case "BucketAlreadyExists", "BucketAlreadyOwnedByYou":
		return &uploadgw.GatewayError{Op: op, ID: key, Err: fmt.Errorf("%s: %w", awsErr.Message, uploadgw.ErrRemotePermanent)}

	case "InvalidBucketName", "AccessDenied", "InvalidAccessKeyId",
		"SignatureDoesNotMatch", "MalformedXML", "InvalidRequest":
		return &uploadgw.GatewayError{Op: op, ID: key, Err: fmt.Errorf("%s: %w", awsErr.Message, uploadgw.ErrRemotePermanent)}

	case "EntityTooLarge":
		return &uploadgw.GatewayError{Op: op, ID: key, Err: fmt.Errorf("%s: %w", awsErr.Message, uploadgw.ErrRemotePermanent)}

	case "TokenRefreshRequired", "RequestTimeTooSkewed", "SlowDown",
		"ServiceUnavailable", "InternalError":
		return &uploadgw.GatewayError{Op: op, ID: key, Err: fmt.Errorf("%s: %w", awsErr.Message, uploadgw.ErrRemoteTransient)}

	default:
		return &uploadgw.GatewayError{Op: op, ID: key, Err: fmt.Errorf("AWS error %s: %s", awsErr.Code, awsErr.Message)}
	}
}

func mapByErrorMessage(err error, op, key string) error {
	errStr := strings.ToLower(err.Error())

	notFoundPatterns := []string{"not found", "does not exist", "no such", "nosuchkey", "nosuchbucket"}
	for _, pattern := range notFoundPatterns {
		if strings.Contains(errStr, pattern) {
			return &uploadgw.GatewayError{Op: op, ID: key, Err: uploadgw.ErrNotFound}
		}
	}

	permanentPatterns := []string{"access denied", "forbidden", "invalid access key", "signature"}
	for _, pattern := range permanentPatterns {
		if strings.Contains(errStr, pattern) {
			return &uploadgw.GatewayError{Op: op, ID: key, Err: uploadgw.ErrRemotePermanent}
		}
	}

	transientPatterns := []string{"timeout", "deadline exceeded", "context canceled", "request timeout", "service unavailable", "slow down"}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return &uploadgw.GatewayError{Op: op, ID: key, Err: uploadgw.ErrRemoteTransient}
		}
	}

	return nil
}

// IsRetryableError determines whether an object-store error should be
// retried. Auth/permission errors and not-found errors are never retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, uploadgw.ErrRemotePermanent) {
		return false
	}
	if errors.Is(err, uploadgw.ErrNotFound) {
		return false
	}
	if errors.Is(err, uploadgw.ErrRemoteTransient) {
		return true
	}

	if httpErr := extractHTTPError(err); httpErr != nil {
		switch httpErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		case 400, 401, 403, 404, 409:
			return false
		}
	}

	if awsErr := extractAWSError(err); awsErr != nil {
		switch awsErr.Code {
		case "ServiceUnavailable", "InternalError", "SlowDown", "RequestTimeout":
			return true
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"NoSuchBucket", "NoSuchKey", "InvalidBucketName":
			return false
		}
	}

	return true
}
