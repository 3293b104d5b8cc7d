// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package gwerrors maps every failure path of the gateway onto the OpenAI
// error envelope. All handlers funnel through NewError/Map so the envelope
// fields are always present.
package gwerrors

import (
	"errors"
	"net/http"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/aws-samples/bedrock-access-gateway/internal/apischema/openai"
)

// GatewayError carries the HTTP status plus the OpenAI error payload.
type GatewayError struct {
	Status int
	Detail openai.ErrorDetail
}

// Error implements the error interface.
func (e *GatewayError) Error() string { return e.Detail.Message }

// Envelope returns the serializable {"error":{...}} body.
func (e *GatewayError) Envelope() openai.Error { return openai.Error{Error: e.Detail} }

// NewError is the single constructor for gateway errors. code and param may
// be empty, in which case the wire fields are null.
func NewError(status int, errType, message, param, code string) *GatewayError {
	d := openai.ErrorDetail{Message: message, Type: errType}
	if param != "" {
		d.Param = &param
	}
	if code != "" {
		d.Code = &code
	}
	return &GatewayError{Status: status, Detail: d}
}

// InvalidRequest builds a 400 invalid_request_error.
func InvalidRequest(message string) *GatewayError {
	return NewError(http.StatusBadRequest, openai.ErrorTypeInvalidRequest, message, "", "")
}

// InvalidParam builds a 400 invalid_request_error naming the offending field.
func InvalidParam(param, message string) *GatewayError {
	return NewError(http.StatusBadRequest, openai.ErrorTypeInvalidRequest, message, param, "")
}

// UnsupportedParameter builds the 400 unsupported_parameter error.
func UnsupportedParameter(param, message string) *GatewayError {
	return NewError(http.StatusBadRequest, openai.ErrorTypeInvalidRequest, message, param, openai.ErrorCodeUnsupportedParameter)
}

// ModelNotFound builds the 404 model_not_found error.
func ModelNotFound(modelID string) *GatewayError {
	return NewError(http.StatusNotFound, openai.ErrorTypeInvalidRequest,
		"The model '"+modelID+"' does not exist or you do not have access to it.",
		"model", openai.ErrorCodeModelNotFound)
}

// Unauthorized builds the sanitized 401 response. The real cause is never
// exposed to the client.
func Unauthorized() *GatewayError {
	return NewError(http.StatusUnauthorized, openai.ErrorTypeAuthentication, "Unauthorized", "", "")
}

// Forbidden builds the sanitized 403 response.
func Forbidden() *GatewayError {
	return NewError(http.StatusForbidden, openai.ErrorTypePermission, "Forbidden", "", "")
}

// Internal builds a 500 server_error.
func Internal(message string) *GatewayError {
	return NewError(http.StatusInternalServerError, openai.ErrorTypeServer, message, "", "")
}

// providerErrorTable maps smithy error codes onto the OpenAI taxonomy.
var providerErrorTable = map[string]struct {
	status  int
	errType string
}{
	"ThrottlingException":              {http.StatusTooManyRequests, openai.ErrorTypeRateLimit},
	"TooManyRequestsException":         {http.StatusTooManyRequests, openai.ErrorTypeRateLimit},
	"ServiceQuotaExceededException":    {http.StatusTooManyRequests, openai.ErrorTypeRateLimit},
	"AccessDeniedException":            {http.StatusForbidden, openai.ErrorTypePermission},
	"UnauthorizedException":            {http.StatusUnauthorized, openai.ErrorTypeAuthentication},
	"UnrecognizedClientException":      {http.StatusUnauthorized, openai.ErrorTypeAuthentication},
	"InvalidSignatureException":        {http.StatusUnauthorized, openai.ErrorTypeAuthentication},
	"ExpiredTokenException":            {http.StatusUnauthorized, openai.ErrorTypeAuthentication},
	"ResourceNotFoundException":        {http.StatusNotFound, openai.ErrorTypeNotFound},
	"ValidationException":              {http.StatusBadRequest, openai.ErrorTypeInvalidRequest},
	"ModelTimeoutException":            {http.StatusBadRequest, openai.ErrorTypeInvalidRequest},
	"ModelErrorException":              {http.StatusBadRequest, openai.ErrorTypeInvalidRequest},
	"ServiceUnavailableException":      {http.StatusServiceUnavailable, openai.ErrorTypeServer},
	"ModelNotReadyException":           {http.StatusServiceUnavailable, openai.ErrorTypeServer},
	"InternalServerException":          {http.StatusServiceUnavailable, openai.ErrorTypeServer},
	"InternalFailureException":         {http.StatusServiceUnavailable, openai.ErrorTypeServer},
	"ModelStreamErrorException":        {http.StatusServiceUnavailable, openai.ErrorTypeServer},
	"ConflictException":                {http.StatusBadRequest, openai.ErrorTypeInvalidRequest},
	"LimitExceededException":           {http.StatusTooManyRequests, openai.ErrorTypeRateLimit},
	"BadRequestException":              {http.StatusBadRequest, openai.ErrorTypeInvalidRequest},
	"TextSizeLimitExceededException":   {http.StatusBadRequest, openai.ErrorTypeInvalidRequest},
	"UnsupportedLanguagePairException": {http.StatusBadRequest, openai.ErrorTypeInvalidRequest},
}

// Map translates any error into a GatewayError. A *GatewayError passes
// through unchanged; provider errors go through the code table; everything
// else becomes a 503 server_error so upstream failures never leak as 500s
// with stack detail.
func Map(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		entry, ok := providerErrorTable[code]
		if !ok {
			// Fall back to the HTTP status when the code is unknown.
			entry.status, entry.errType = statusFallback(err)
		}
		switch entry.status {
		case http.StatusUnauthorized:
			return Unauthorized()
		case http.StatusForbidden:
			return Forbidden()
		}
		return NewError(entry.status, entry.errType, trimProviderNoise(apiErr.ErrorMessage()), "", code)
	}

	return NewError(http.StatusServiceUnavailable, openai.ErrorTypeServer, err.Error(), "", "")
}

func statusFallback(err error) (int, string) {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch s := respErr.HTTPStatusCode(); {
		case s == http.StatusTooManyRequests:
			return s, openai.ErrorTypeRateLimit
		case s == http.StatusUnauthorized:
			return s, openai.ErrorTypeAuthentication
		case s == http.StatusForbidden:
			return s, openai.ErrorTypePermission
		case s == http.StatusNotFound:
			return s, openai.ErrorTypeNotFound
		case s >= 400 && s < 500:
			return http.StatusBadRequest, openai.ErrorTypeInvalidRequest
		}
	}
	return http.StatusServiceUnavailable, openai.ErrorTypeServer
}

// trimProviderNoise drops the operation prefix the SDK prepends to messages,
// e.g. "operation error Bedrock Runtime: Converse, ...".
func trimProviderNoise(msg string) string {
	if msg == "" {
		return "The provider returned an error."
	}
	return msg
}

// LogLevel assigns the event-log level for an error response: 5xx at error,
// everything else at warning.
func LogLevel(status int) string {
	if status >= 500 {
		return "error"
	}
	return "warning"
}
