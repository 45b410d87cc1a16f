// Package gwerrors implements the gateway's error taxonomy (§7): every
// error the core surfaces carries a stable code and category, and maps onto
// a small set of typed kinds borrowed from containerd/errdefs so callers can
// classify failures without string matching.
package gwerrors

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Category groups codes by how they should be handled upstream.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryAuth       Category = "auth"
	CategoryRouting    Category = "routing"
	CategoryTransport  Category = "transport"
	CategoryConfig     Category = "config"
	CategoryCrypto     Category = "crypto"
)

// Well-known codes, per spec §7's table.
const (
	CodeInvalidToolName    = "invalid_tool_name"
	CodeInvalidURI         = "invalid_uri"
	CodeInvalidState       = "invalid_state"
	CodeInvalidClientToken = "invalid_client_token"
	CodeOAuthDelegation    = "oauth_delegation"
	CodeRefreshFailed      = "refresh_failed"
	CodeNoRoute            = "no_route"
	CodeNoHealthyInstance  = "no_healthy_instance"
	CodeCircuitOpen        = "circuit_open"
	CodeTimeout            = "timeout"
	CodeNetwork            = "network"
	CodeHTTP5xx            = "http_5xx"
	CodeHTTP429            = "http_429"
	CodeSchema             = "schema"
	CodeSecretMissing      = "secret_missing"
	CodeCycle              = "cycle"
	CodeCorruptCiphertext  = "corrupt_ciphertext"
	CodeKeyMissing         = "key_missing"
)

// Error is the gateway's structured error value.
type Error struct {
	Code     string
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Category, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// kindFor maps a category to the containerd/errdefs sentinel kind used to
// classify it via errdefs.Is* predicates, without inventing a parallel
// taxonomy of our own for the parts errdefs already covers well.
func kindFor(category Category) error {
	switch category {
	case CategoryValidation:
		return errdefs.ErrInvalidArgument
	case CategoryAuth:
		return errdefs.ErrPermissionDenied
	case CategoryRouting:
		return errdefs.ErrUnavailable
	case CategoryTransport:
		return errdefs.ErrUnavailable
	case CategoryConfig:
		return errdefs.ErrInvalidArgument
	case CategoryCrypto:
		return errdefs.ErrUnknown
	default:
		return errdefs.ErrUnknown
	}
}

// New constructs a categorized error, wrapping the containerd/errdefs kind
// so errors.Is(err, errdefs.ErrInvalidArgument) (etc.) works for callers that
// only care about the coarse classification.
func New(category Category, code, message string, cause error) *Error {
	wrapped := cause
	if wrapped == nil {
		wrapped = errors.New(message)
	}
	return &Error{
		Code:     code,
		Category: category,
		Message:  message,
		Err:      fmt.Errorf("%w: %w", kindFor(category), wrapped),
	}
}

func Validation(code, message string) *Error { return New(CategoryValidation, code, message, nil) }
func Auth(code, message string) *Error       { return New(CategoryAuth, code, message, nil) }
func Routing(code, message string) *Error    { return New(CategoryRouting, code, message, nil) }
func Transport(code, message string, cause error) *Error {
	return New(CategoryTransport, code, message, cause)
}
func Config(code, message string, cause error) *Error { return New(CategoryConfig, code, message, cause) }
func Crypto(code, message string) *Error              { return New(CategoryCrypto, code, message, nil) }

// Retriable reports whether an error's category/code means RetryEngine
// should attempt again. Only the Transport category is ever retriable; when
// allowedCodes is non-empty (RoutingConfig.Retry.RetryOn), it further
// narrows that to the named codes, letting operators e.g. exclude http_429
// from retries without touching the breaker/backoff mechanics.
func Retriable(err error, allowedCodes ...string) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Category != CategoryTransport {
		return false
	}
	if len(allowedCodes) == 0 {
		return true
	}
	for _, code := range allowedCodes {
		if e.Code == code {
			return true
		}
	}
	return false
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
