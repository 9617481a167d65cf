package shared

import (
	"errors"
	"fmt"
)

// Denial codes. Stable, programmatically handleable, returned verbatim to
// callers and recorded in the audit trail.
const (
	CodeNoCapability          = "NoCapability"
	CodeExpired               = "Expired"
	CodeDeniedByPolicy        = "DeniedByPolicy"
	CodeNotInAllowlist        = "NotInAllowlist"
	CodeTaskNotEligible       = "TaskNotEligible"
	CodeInsufficientApprovals = "InsufficientApprovals"
	CodeBackpressure          = "Backpressure"
	CodeDuplicateInFlight     = "DuplicateInFlight"
	CodeVersionConflict       = "VersionConflict"
	CodeUnknownTransition     = "UnknownTransition"
	CodeSignatureInvalid      = "SignatureInvalid"
	CodeSchemaViolation       = "SchemaViolation"
	CodeNotAuthorized         = "NotAuthorized"
	CodeNotFound              = "NotFound"
)

/// Denial is a typed refusal: not an exception, a first-class outcome. Code is
// stable; Reason carries detail for the audit trail.
type Denial struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

func (d *Denial) Error() string {
	if d.Reason == "" {
		return d.Code
	}
	return fmt.Sprintf("%s: %s", d.Code, d.Reason)
}

// Deny builds a Denial with a formatted reason.
func Deny(code, format string, args ...any) *Denial {
	return &Denial{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Retryable reports whether the denial is transient and safe to retry after
// a delay. Policy denials and signature failures are never auto-retried.
func (d *Denial) Retryable() bool {
	switch d.Code {
	case CodeBackpressure, CodeDuplicateInFlight, CodeVersionConflict:
		return true
	}
	return false
}

// AsDenial unwraps err into a *Denial if one is anywhere in its chain.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
