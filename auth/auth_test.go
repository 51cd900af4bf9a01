package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrtransfer/ctrtransfer/xferr"
)

func TestParseChallengesBearer(t *testing.T) {
	header := `Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:samalba/my-app:pull,push"`
	cl, err := ParseChallenges([]string{header})
	require.NoError(t, err)
	require.Len(t, cl, 1)
	assert.Equal(t, "bearer", cl[0].Scheme)
	assert.Equal(t, "https://auth.docker.io/token", cl[0].Realm)
	assert.Equal(t, "registry.docker.io", cl[0].Service)
	assert.Equal(t, "repository:samalba/my-app:pull,push", cl[0].Scope)
}

func TestParseChallengesBasicOnly(t *testing.T) {
	cl, err := ParseChallenges([]string{`Basic realm="GitHub Package Registry"`})
	require.NoError(t, err)
	require.Len(t, cl, 1)
	assert.Equal(t, "basic", cl[0].Scheme)
}

func TestHandleChallengeRejectsBasicOnly(t *testing.T) {
	m := NewManager()
	cl, err := ParseChallenges([]string{`Basic realm="x"`})
	require.NoError(t, err)
	err = m.HandleChallenge(cl)
	require.Error(t, err)
	assert.True(t, xferr.Is(err, xferr.Unauthorized))
}

func tokenServer(t *testing.T, token string, expiresIn int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(tokenResponse{Token: token, ExpiresIn: expiresIn})
	}))
}

func TestGetValidReturnsEmptyTokenWhenNoChallengeRecorded(t *testing.T) {
	m := NewManager()
	tok, err := m.GetValid()
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestGetValidTreatsZeroExpiresInAsNonExpiring(t *testing.T) {
	srv := tokenServer(t, "tok-forever", 0)
	defer srv.Close()

	m := NewManager()
	cl := []Challenge{{Scheme: "bearer", Realm: srv.URL}}
	require.NoError(t, m.HandleChallenge(cl))

	tok, err := m.GetValid()
	require.NoError(t, err)
	assert.Equal(t, "tok-forever", tok)

	m.mu.RLock()
	expiresAt := m.token.ExpiresAt
	m.mu.RUnlock()
	assert.True(t, expiresAt.IsZero())
}

func TestHandleChallengeFetchesToken(t *testing.T) {
	srv := tokenServer(t, "tok-1", 300)
	defer srv.Close()

	m := NewManager()
	cl := []Challenge{{Scheme: "bearer", Realm: srv.URL, Service: "registry", Scope: "repository:x:pull"}}
	require.NoError(t, m.HandleChallenge(cl))

	tok, err := m.GetValid()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
}

func TestGetValidRefreshesOnlyOnceConcurrently(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(tokenResponse{Token: "shared-tok", ExpiresIn: 300})
	}))
	defer srv.Close()

	m := NewManager()
	cl := []Challenge{{Scheme: "bearer", Realm: srv.URL}}
	require.NoError(t, m.HandleChallenge(cl))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// force expiry, then race many GetValid calls; only one more refresh
	// should be issued since the write lock serializes it.
	m.mu.Lock()
	m.token.ExpiresAt = m.token.ExpiresAt.Add(-1000000000000)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.GetValid()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestExecuteWithRetryRefreshesOnceOn401(t *testing.T) {
	srv := tokenServer(t, "tok-fresh", 300)
	defer srv.Close()

	m := NewManager()
	cl := []Challenge{{Scheme: "bearer", Realm: srv.URL}}
	require.NoError(t, m.HandleChallenge(cl))

	attempts := 0
	err := m.ExecuteWithRetry(func(token string) error {
		attempts++
		if attempts == 1 {
			return xferr.New(xferr.Unauthorized, "transport", "test op", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestExecuteWithRetryPropagatesNonAuthError(t *testing.T) {
	srv := tokenServer(t, "tok", 300)
	defer srv.Close()
	m := NewManager()
	require.NoError(t, m.HandleChallenge([]Challenge{{Scheme: "bearer", Realm: srv.URL}}))

	sentinel := xferr.New(xferr.Network, "transport", "test op", nil)
	err := m.ExecuteWithRetry(func(token string) error { return sentinel })
	assert.Equal(t, sentinel, err)
}
