// Package errors provides structured error handling for discoverer operations.
// It defines error codes, error types, and provides utilities for creating
// and handling errors with context and structured information.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeInternal      ErrorCode = "INTERNAL"

	// Rule compilation errors.
	CodeRangeSyntax       ErrorCode = "RANGE_SYNTAX"
	CodeRangeVolume       ErrorCode = "RANGE_VOLUME"
	CodeUnsupportedFamily ErrorCode = "UNSUPPORTED_FAMILY"
	CodeInvalidPorts      ErrorCode = "INVALID_PORTS"
	CodeInvalidCheck      ErrorCode = "INVALID_CHECK"
	CodeMacro             ErrorCode = "MACRO"

	// Probe errors.
	CodeHostUnreachable ErrorCode = "HOST_UNREACHABLE"
	CodeProbeFailed     ErrorCode = "PROBE_FAILED"
)

// RuleError is a rule-scoped error raised while compiling a discovery rule.
type RuleError struct {
	Code    ErrorCode
	Message string
	RuleID  uint64
	Segment string
	Cause   error
}

// Error implements the error interface.
func (e *RuleError) Error() string {
	if e.Segment != "" {
		return fmt.Sprintf("%s: %q", e.Message, e.Segment)
	}
	return e.Message
}

// Unwrap returns the underlying error for error unwrapping.
func (e *RuleError) Unwrap() error {
	return e.Cause
}

// NewRuleError creates a new rule error with the specified code and message.
func NewRuleError(code ErrorCode, ruleID uint64, message string) *RuleError {
	return &RuleError{
		Code:    code,
		Message: message,
		RuleID:  ruleID,
	}
}

// WrapRuleError wraps an existing error as a rule error for a range segment.
func WrapRuleError(code ErrorCode, ruleID uint64, message, segment string, err error) *RuleError {
	return &RuleError{
		Code:    code,
		Message: message,
		RuleID:  ruleID,
		Segment: segment,
		Cause:   err,
	}
}

// ProbeError represents a failure of the probe layer for one address.
type ProbeError struct {
	Code      ErrorCode
	Message   string
	Address   string
	CheckType string
	Cause     error
}

// Error implements the error interface.
func (e *ProbeError) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("[%s] %s (address: %s, check: %s)", e.Code, e.Message, e.Address, e.CheckType)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProbeError) Unwrap() error {
	return e.Cause
}

// WrapProbeError wraps an existing error as a probe error.
func WrapProbeError(code ErrorCode, message, address, checkType string, err error) *ProbeError {
	return &ProbeError{
		Code:      code,
		Message:   message,
		Address:   address,
		CheckType: checkType,
		Cause:     err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error.
func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
	}
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Utility functions for common error operations

// GetCode extracts the error code from an error chain if it has one.
func GetCode(err error) ErrorCode {
	var ruleErr *RuleError
	if stderrors.As(err, &ruleErr) {
		return ruleErr.Code
	}
	var probeErr *ProbeError
	if stderrors.As(err, &probeErr) {
		return probeErr.Code
	}
	var configErr *ConfigError
	if stderrors.As(err, &configErr) {
		return configErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeHostUnreachable:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a fatal condition that should stop execution.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeConfiguration, CodeInternal:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrRangeSyntax creates an error for a malformed range segment.
func ErrRangeSyntax(ruleID uint64, segment string, err error) *RuleError {
	return WrapRuleError(CodeRangeSyntax, ruleID, "invalid IP range", segment, err)
}

// ErrRangeNetwork creates an error for a segment that only names the zero network.
func ErrRangeNetwork(ruleID uint64, segment string) *RuleError {
	return WrapRuleError(CodeRangeSyntax, ruleID, "IP range does not contain any address", segment, nil)
}

// ErrRangeVolume creates an error for a segment exceeding the address ceiling.
func ErrRangeVolume(ruleID uint64, segment string, limit uint64) *RuleError {
	return WrapRuleError(CodeRangeVolume, ruleID,
		fmt.Sprintf("IP range exceeds the limit of %d addresses", limit), segment, nil)
}

// ErrUnsupportedFamily creates an error for an address family this build cannot scan.
func ErrUnsupportedFamily(ruleID uint64, segment string) *RuleError {
	return WrapRuleError(CodeUnsupportedFamily, ruleID, "IPv6 is not supported by this build", segment, nil)
}

// ErrInvalidPorts creates an error for a check with a malformed port list.
func ErrInvalidPorts(ruleID uint64, ports string, err error) *RuleError {
	return WrapRuleError(CodeInvalidPorts, ruleID, "invalid port specification", ports, err)
}

// ErrInvalidCheck creates an error for a check of an unknown type.
func ErrInvalidCheck(ruleID uint64, checkType string) *RuleError {
	return WrapRuleError(CodeInvalidCheck, ruleID, "unknown check type", checkType, nil)
}

// ErrMacro creates an error for a credential macro that could not be resolved.
func ErrMacro(ruleID uint64, text string, err error) *RuleError {
	return WrapRuleError(CodeMacro, ruleID, "cannot resolve macro", text, err)
}

// ErrProbeTimeout creates an error for probe timeouts.
func ErrProbeTimeout(address, checkType string, err error) *ProbeError {
	return WrapProbeError(CodeTimeout, "Probe timed out", address, checkType, err)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}
