// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"errors"
	"fmt"
)

// FaultClass buckets fault codes for metrics and audit queries.
type FaultClass string

const (
	ClassConnectivity FaultClass = "connectivity"
	ClassAuth         FaultClass = "auth"
	ClassRateQuota    FaultClass = "rate_quota"
	ClassContextBuild FaultClass = "context_build"
	ClassModel        FaultClass = "model_response"
	ClassSecurity     FaultClass = "security"
	ClassInternal     FaultClass = "internal"
)

// Fault codes. The numeric block identifies the class: 1xxx connectivity,
// 2xxx auth, 3xxx rate/quota, 4xxx context build, 5xxx model response,
// 6xxx security, 9xxx internal.
const (
	CodeProviderUnreachable = "MIRA-1001"
	CodeProviderTimeout     = "MIRA-1002"
	CodeRetriesExhausted    = "MIRA-1003"

	CodeUnauthenticated  = "MIRA-2001"
	CodePermissionDenied = "MIRA-2002"

	CodeRateLimited   = "MIRA-3001"
	CodeQuotaExceeded = "MIRA-3002"

	CodeContextBuildFailed = "MIRA-4001"
	CodeCapabilityMismatch = "MIRA-4002"
	CodeConversationClosed = "MIRA-4003"

	CodeModelResponseInvalid = "MIRA-5001"
	CodeContentFiltered      = "MIRA-5002"

	CodePromptInjection   = "MIRA-6001"
	CodeCrossTenantAccess = "MIRA-6002"

	CodeInternal = "MIRA-9001"
)

// Fault is a coded domain error. It bubbles up through the orchestrator and
// is translated to a user-facing payload carrying only the code and message;
// internal detail stays in Cause.
type Fault struct {
	Code      string     `json:"code"`
	Class     FaultClass `json:"class"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`
	Cause     error      `json:"-"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap returns the underlying error.
func (f *Fault) Unwrap() error {
	return f.Cause
}

// Security reports whether the fault is security-classified. Security faults
// are non-retryable by definition and audited distinctly.
func (f *Fault) Security() bool {
	return f.Class == ClassSecurity
}

// faultClass derives the class from the code's numeric block.
func faultClass(code string) FaultClass {
	if len(code) < 6 {
		return ClassInternal
	}
	switch code[5] {
	case '1':
		return ClassConnectivity
	case '2':
		return ClassAuth
	case '3':
		return ClassRateQuota
	case '4':
		return ClassContextBuild
	case '5':
		return ClassModel
	case '6':
		return ClassSecurity
	default:
		return ClassInternal
	}
}

// retryableFaults lists the codes that may succeed on a later attempt.
// Auth, context-build, and security faults never do.
var retryableFaults = map[string]bool{
	CodeProviderUnreachable: true,
	CodeProviderTimeout:     true,
	CodeRetriesExhausted:    true,
	CodeRateLimited:         true,
	CodeQuotaExceeded:       true,
}

// NewFault creates a Fault with class and retryable flag derived from code.
func NewFault(code, message string) *Fault {
	return &Fault{
		Code:      code,
		Class:     faultClass(code),
		Message:   message,
		Retryable: retryableFaults[code],
	}
}

// WrapFault creates a Fault preserving the underlying cause.
func WrapFault(code, message string, cause error) *Fault {
	f := NewFault(code, message)
	f.Cause = cause
	return f
}

// AsFault extracts a *Fault from err, wrapping unclassified errors as
// internal faults so callers always see a coded error.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return WrapFault(CodeInternal, "internal error", err)
}
