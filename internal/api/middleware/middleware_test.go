package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/reelworks/reelfix/internal/api/middleware"
	"github.com/reelworks/reelfix/internal/store"
	"github.com/reelworks/reelfix/pkg/models"
)

const rawKey = "rf_live_0123456789abcdef"

func seedKey(t *testing.T, st *store.MemoryStore, owner string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, st.CreateAPIKey(context.Background(), &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   owner,
		Name:      "test",
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:8],
	}))
}

func echoUser(t *testing.T) (http.Handler, *string) {
	t.Helper()
	var got string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := mw.GetUserID(r)
		got = userID
		w.WriteHeader(http.StatusOK)
	})
	return h, &got
}

func TestAuthenticateValidKey(t *testing.T) {
	st := store.NewMemoryStore()
	seedKey(t, st, "user-42")
	next, gotUser := echoUser(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	rec := httptest.NewRecorder()
	mw.NewAuth(st).Authenticate(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-42", *gotUser)
}

func TestAuthenticateRejects(t *testing.T) {
	st := store.NewMemoryStore()
	seedKey(t, st, "user-42")
	next, _ := echoUser(t)
	auth := mw.NewAuth(st)

	cases := map[string]string{
		"missing header":  "",
		"malformed":       "Basic " + rawKey,
		"too short":       "Bearer rf",
		"unknown prefix":  "Bearer zz_live_0123456789abcdef",
		"wrong key bytes": "Bearer rf_live_ffffffffffffffff",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			auth.Authenticate(next).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestRequireSharedSecret(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	guard := mw.RequireSharedSecret("whsec_abc")(next)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer whsec_abc")
	rec := httptest.NewRecorder()
	guard.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	guard.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// An empty configured secret locks the route instead of opening it.
	open := mw.RequireSharedSecret("")(next)
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
