package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(Validation("bad")))
	assert.Equal(t, KindNotFound, KindOf(NotFound("missing")))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain error")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := Wrap(KindStorageBusy, "write failed", cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "disk full")
}

func TestAs(t *testing.T) {
	err := PermissionDenied("nope")
	found, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, KindPermissionDenied, found.Kind)

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
}

func TestRenderError_MapsKindToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("x"), http.StatusBadRequest},
		{NotFound("x"), http.StatusNotFound},
		{PermissionDenied("x"), http.StatusForbidden},
		{ProviderError("x", true, 0), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		RenderError(rec, req, c.err)
		assert.Equal(t, c.want, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Contains(t, body, "error")
		assert.Contains(t, body, "code")
	}
}

func TestMiddleware_RecoversPanic(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.NotPanics(t, func() { handler.ServeHTTP(rec, req) })
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRecoverTimer_SwallowsPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		defer RecoverTimer("test")
		panic("scheduler exploded")
	})
}
