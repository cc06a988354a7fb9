package surface

import (
	"context"
	"errors"
	"testing"

	"antrian-wa/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("dev-1")
	assert.False(t, ok)

	first, second := &Fake{}, &Fake{}
	r.Register("dev-1", first)
	got, ok := r.Get("dev-1")
	require.True(t, ok)
	assert.Same(t, first, got)

	r.Register("dev-1", second)
	got, _ = r.Get("dev-1")
	assert.Same(t, second, got)

	r.Unregister("dev-1")
	_, ok = r.Get("dev-1")
	assert.False(t, ok)
}

func TestErrorCarriesCode(t *testing.T) {
	cause := errors.New("socket closed")
	err := error(&Error{Code: domain.ReasonBrowserClosure, Err: cause})

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.ReasonBrowserClosure, se.FailureCode())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "BrowserClosure: socket closed", err.Error())

	assert.Equal(t, "PendingQR", (&Error{Code: domain.ReasonPendingQR}).Error())
	assert.Equal(t, "InvalidRecipient: bad number 123", Errorf(domain.ReasonInvalidRecipient, "bad number %d", 123).Error())
}

func TestFakeRecordsSends(t *testing.T) {
	ctx := context.Background()
	f := &Fake{}
	require.NoError(t, f.Send(ctx, "6281234567890", "hi"))

	f.SendFunc = func(context.Context, string, string) error { return Errorf(domain.ReasonPendingNET, "timeout") }
	require.Error(t, f.Send(ctx, "6281234567891", "hi"))

	assert.Equal(t, []Sent{{Phone: "6281234567890", Content: "hi"}}, f.Sent())

	r, err := f.CheckReachable(ctx, "6281234567890")
	require.NoError(t, err)
	assert.Equal(t, Reachable, r)
}
