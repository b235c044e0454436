package claim

import (
	"fmt"
	"net/http"
	"time"

	"github.com/moltins/moltins/internal/model"
)

// Kind classifies a claim failure. The HTTP layer maps it to a status code.
type Kind int

const (
	KindInput Kind = iota + 1
	KindNotFound
	KindUnauthenticated
	KindConflict
	KindClaimed
	KindPolicy
	KindUpstream
	KindUnavailable
	KindInternal
)

// HTTPStatus returns the response status for failures of kind k.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInput, KindClaimed, KindPolicy, KindUpstream:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a claim failure safe to show to the caller. Err holds the
// underlying cause for server logs and is never rendered.
type Error struct {
	Kind    Kind
	Code    string
	Label   string
	Message string
	Hint    string
	Owner   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("claim: %s: %v", e.Code, e.Err)
	}
	return "claim: " + e.Code + ": " + e.Label
}

func (e *Error) Unwrap() error { return e.Err }

func errInput(code, label, message string) *Error {
	return &Error{Kind: KindInput, Code: code, Label: label, Message: message}
}

func errInvalidLink() *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    model.ErrCodeNotFound,
		Label:   "Invalid claim link",
		Message: "No agent matches this claim link.",
	}
}

func errAlreadyClaimed(owner string) *Error {
	return &Error{
		Kind:    KindClaimed,
		Code:    model.ErrCodeAlreadyClaimed,
		Label:   "Already claimed",
		Message: "This agent has already been claimed",
		Owner:   owner,
	}
}

func errNotAuthenticated() *Error {
	return &Error{
		Kind:    KindUnauthenticated,
		Code:    model.ErrCodeNotAuthenticated,
		Label:   "Not authenticated",
		Message: "Connect your Twitter account before verifying.",
		Hint:    "Start again from the claim page; the Twitter sign-in is valid for a few minutes.",
	}
}

func errTweetUnavailable(cause error) *Error {
	return &Error{
		Kind:    KindUpstream,
		Code:    model.ErrCodeTweetUnavailable,
		Label:   "Could not fetch tweet",
		Message: "Unable to access the tweet. Make sure the tweet is public and the URL is correct.",
		Err:     cause,
	}
}

func errClaimLimit(count, limit int) *Error {
	return &Error{
		Kind:  KindPolicy,
		Code:  model.ErrCodeClaimLimitReached,
		Label: "Claim limit reached",
		Message: fmt.Sprintf("This Twitter account has already claimed %d agents. Maximum is %d.",
			count, limit),
	}
}

func errTweetTooOld(window time.Duration) *Error {
	return &Error{
		Kind:  KindPolicy,
		Code:  model.ErrCodeTweetTooOld,
		Label: "Tweet too old",
		Message: fmt.Sprintf("The verification tweet is too old (more than %s). Please post a new one.",
			humanDuration(window)),
	}
}

func errStrategyDisabled(name string) *Error {
	return &Error{
		Kind:    KindUnavailable,
		Code:    model.ErrCodeVerificationMissing,
		Label:   "Verification unavailable",
		Message: name + " verification is not configured on this server.",
	}
}

func errInternal(cause error) *Error {
	return &Error{Kind: KindInternal, Code: model.ErrCodeInternalError, Label: "Internal server error", Err: cause}
}

func humanDuration(d time.Duration) string {
	if d == time.Hour {
		return "1 hour"
	}
	if d%time.Hour == 0 {
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return d.String()
}
