package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced in request responses.
const (
	KindDecode       = "decode"
	KindNotFound     = "not_found"
	KindExternalCall = "external_call"
	KindValidation   = "validation"
	KindInternal     = "internal"
)

// DecodeError reports a configuration file that could not be read or decoded.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NotFoundError reports an expected path, key or record that is absent.
type NotFoundError struct {
	What string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.Key)
}

// ExternalCallError reports a failed call into the agent or authorization service.
type ExternalCallError struct {
	Op      string
	AgentID string
	Err     error
}

func (e *ExternalCallError) Error() string {
	if e.AgentID == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed for agent %s: %v", e.Op, e.AgentID, e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

// ValidationError reports a malformed request payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ErrorKind classifies err for the presentation layer.
func ErrorKind(err error) string {
	var (
		de *DecodeError
		nf *NotFoundError
		ec *ExternalCallError
		ve *ValidationError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &nf):
		return KindNotFound
	case errors.As(err, &de):
		return KindDecode
	case errors.As(err, &ec):
		return KindExternalCall
	default:
		return KindInternal
	}
}
