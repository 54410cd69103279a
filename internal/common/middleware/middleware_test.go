package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationID(t *testing.T) {
	var got string
	h := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetCorrelationID(r.Context())
	}))

	t.Run("generated when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, got)
		assert.Equal(t, got, rec.Header().Get("X-Correlation-ID"))
	})

	t.Run("propagated when present", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Correlation-ID", "corr-123")
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, "corr-123", got)
	})
}

func TestActorContext(t *testing.T) {
	var gotActor Actor
	var gotOK bool
	h := ActorContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor, gotOK = GetActor(r.Context())
	}))

	t.Run("headers attach actor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Actor-ID", "landlord-1")
		req.Header.Set("X-Actor-Role", "landlord")
		h.ServeHTTP(httptest.NewRecorder(), req)

		require.True(t, gotOK)
		assert.Equal(t, Actor{ID: "landlord-1", Role: RoleLandlord}, gotActor)
	})

	t.Run("missing headers leave context empty", func(t *testing.T) {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		assert.False(t, gotOK)
	})
}

func TestRequireActor(t *testing.T) {
	h := RequireActor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("rejects anonymous requests", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("passes authenticated requests", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Actor-ID", "admin-1")
		req.Header.Set("X-Actor-Role", "admin")
		rec := httptest.NewRecorder()
		ActorContext(h).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
