// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package openai

// Error is the OpenAI error envelope: {"error":{...}}.
type Error struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner error object. Param and Code are nullable on the
// wire, so they stay pointers here.
type ErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// OpenAI error.type values.
const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeAuthentication = "authentication_error"
	ErrorTypePermission     = "permission_error"
	ErrorTypeNotFound       = "not_found_error"
	ErrorTypeRateLimit      = "rate_limit_error"
	ErrorTypeServer         = "server_error"
)

// Machine-readable error codes attached when a specific one applies.
const (
	ErrorCodeModelNotFound        = "model_not_found"
	ErrorCodeUnsupportedParameter = "unsupported_parameter"
	ErrorCodeInvalidLanguage      = "invalid_language_format"
	ErrorCodeEmptyArray           = "empty_array"
)
