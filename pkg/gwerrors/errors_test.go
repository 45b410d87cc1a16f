package gwerrors

import (
	"errors"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
)

func TestRetriableOnlyForTransport(t *testing.T) {
	assert.True(t, Retriable(Transport(CodeTimeout, "timed out", nil)))
	assert.False(t, Retriable(Routing(CodeNoRoute, "no route")))
	assert.False(t, Retriable(errors.New("plain error")))
}

func TestRetriableNarrowedByAllowedCodes(t *testing.T) {
	assert.True(t, Retriable(Transport(CodeNetwork, "conn reset", nil), CodeNetwork, CodeTimeout))
	assert.False(t, Retriable(Transport(CodeHTTP429, "rate limited", nil), CodeNetwork, CodeTimeout))
	// Empty allow-list retains the old "every transport error retries" behavior.
	assert.True(t, Retriable(Transport(CodeHTTP429, "rate limited", nil)))
}

func TestIsMatchesCode(t *testing.T) {
	err := Routing(CodeCircuitOpen, "circuit open")
	assert.True(t, Is(err, CodeCircuitOpen))
	assert.False(t, Is(err, CodeNoRoute))
}

func TestCategoryMapsToErrdefsKind(t *testing.T) {
	assert.True(t, errors.Is(Validation(CodeInvalidURI, "bad uri"), errdefs.ErrInvalidArgument))
	assert.True(t, errors.Is(Auth(CodeInvalidClientToken, "bad token"), errdefs.ErrPermissionDenied))
	assert.True(t, errors.Is(Routing(CodeNoHealthyInstance, "no instance"), errdefs.ErrUnavailable))
}
