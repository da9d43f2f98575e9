package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies provider failures.
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	KindAuth
	KindQuota
	KindProhibitedContent
	KindPromptBlocked
	KindMalformedFunctionCall
	KindUnknownFinishReason
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindQuota:
		return "quota"
	case KindProhibitedContent:
		return "prohibited_content"
	case KindPromptBlocked:
		return "prompt_blocked"
	case KindMalformedFunctionCall:
		return "malformed_function_call"
	case KindUnknownFinishReason:
		return "unknown_finish_reason"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// kindForStatus maps an HTTP status from a provider to an error kind. A 4xx
// the provider will answer the same way next time is an invalid request.
func kindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusTooManyRequests, http.StatusPaymentRequired:
		return KindQuota
	case http.StatusRequestTimeout, http.StatusConflict:
		return KindUnknown
	}
	if status >= 400 && status < 500 {
		return KindInvalidRequest
	}
	return KindUnknown
}

// Action tells the caller what to do after a failed provider call.
type Action int

// Actions.
const (
	// ActionRetry leaves the entry pending for a later attempt.
	ActionRetry Action = iota
	// ActionRetryOnce repeats the call once, then fails the entry.
	ActionRetryOnce
	// ActionSkip marks the entry skipped.
	ActionSkip
	// ActionHalt stops the processor.
	ActionHalt
	// ActionFail marks the entry failed without retrying.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionRetryOnce:
		return "retry_once"
	case ActionSkip:
		return "skip"
	case ActionHalt:
		return "halt"
	case ActionFail:
		return "fail"
	default:
		return "retry"
	}
}

// ActionFor maps any error returned by a provider to an action.
func ActionFor(err error) Action {
	if errors.Is(err, context.Canceled) {
		return ActionRetry
	}
	switch KindOf(err) {
	case KindAuth:
		return ActionHalt
	case KindProhibitedContent, KindPromptBlocked:
		return ActionSkip
	case KindMalformedFunctionCall, KindUnknownFinishReason:
		return ActionRetryOnce
	case KindInvalidRequest:
		return ActionFail
	default:
		return ActionRetry
	}
}
