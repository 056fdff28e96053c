package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/logging"
)

// tokenServer issues "token-1", "token-2", ... and counts exchanges.
type tokenServer struct {
	exchanges atomic.Int32
	status    int
	empty     bool
	delay     time.Duration
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := s.exchanges.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.status != 0 && s.status != http.StatusOK {
		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(`{"code":"invalidAuthentication"}`))
		return
	}
	var req tokenRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.AppKey != "key" || req.AppSecret != "secret" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	token := fmt.Sprintf("token-%d", n)
	if s.empty {
		token = ""
	}
	_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: token, ExpireIn: 7200})
}

func newTestProvider(t *testing.T, ts *tokenServer) *TokenProvider {
	t.Helper()
	srv := httptest.NewServer(ts)
	t.Cleanup(srv.Close)

	p, err := NewTokenProvider(ProviderConfig{
		BaseURL:   srv.URL,
		AppKey:    "key",
		AppSecret: "secret",
		UnionID:   "union",
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	return p
}

func TestNewTokenProvider_MissingCredentials(t *testing.T) {
	tests := []struct {
		name string
		cfg  ProviderConfig
	}{
		{name: "no key", cfg: ProviderConfig{AppSecret: "s", UnionID: "u"}},
		{name: "no secret", cfg: ProviderConfig{AppKey: "k", UnionID: "u"}},
		{name: "no union id", cfg: ProviderConfig{AppKey: "k", AppSecret: "s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTokenProvider(tt.cfg)
			assert.ErrorIs(t, err, calendar.ErrConfig)
		})
	}
}

func TestAccessToken_CachesUntilExpiry(t *testing.T) {
	ts := &tokenServer{}
	p := newTestProvider(t, ts)

	first, err := p.AccessToken(t.Context())
	require.NoError(t, err)
	second, err := p.AccessToken(t.Context())
	require.NoError(t, err)

	assert.Equal(t, "token-1", first.AccessToken)
	assert.Equal(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, int32(1), ts.exchanges.Load())

	// jump past expiry minus skew
	p.now = func() time.Time { return time.Now().Add(2*time.Hour - 30*time.Second) }
	third, err := p.AccessToken(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "token-2", third.AccessToken)
	assert.Equal(t, int32(2), ts.exchanges.Load())
}

func TestAccessToken_Failures(t *testing.T) {
	tests := []struct {
		name string
		ts   *tokenServer
	}{
		{name: "non-2xx", ts: &tokenServer{status: http.StatusForbidden}},
		{name: "empty token", ts: &tokenServer{empty: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, tt.ts)
			_, err := p.AccessToken(t.Context())
			assert.ErrorIs(t, err, calendar.ErrAuth)
		})
	}
}

func TestAccessToken_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, err := NewTokenProvider(ProviderConfig{BaseURL: url, AppKey: "k", AppSecret: "s", UnionID: "u", Logger: logging.Discard()})
	require.NoError(t, err)

	_, err = p.AccessToken(t.Context())
	assert.ErrorIs(t, err, calendar.ErrAuth)
}

func TestAccessToken_ConcurrentCallersShareOneExchange(t *testing.T) {
	ts := &tokenServer{delay: 50 * time.Millisecond}
	p := newTestProvider(t, ts)

	var wg sync.WaitGroup
	tokens := make([]string, 20)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := p.AccessToken(t.Context())
			if err == nil {
				tokens[i] = tok.AccessToken
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ts.exchanges.Load())
	for _, tok := range tokens {
		assert.Equal(t, "token-1", tok)
	}
}

func TestAccessToken_CancelledCallerDoesNotFailOthers(t *testing.T) {
	ts := &tokenServer{delay: 200 * time.Millisecond}
	p := newTestProvider(t, ts)

	ctxA, cancelA := context.WithCancel(t.Context())
	errA := make(chan error, 1)
	go func() {
		_, err := p.AccessToken(ctxA)
		errA <- err
	}()
	require.Eventually(t, func() bool { return ts.exchanges.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		token string
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		tok, err := p.AccessToken(t.Context())
		if err != nil {
			resB <- result{err: err}
			return
		}
		resB <- result{token: tok.AccessToken}
	}()
	time.Sleep(20 * time.Millisecond)
	cancelA()

	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("cancelled caller kept waiting for the exchange")
	}

	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, "token-1", b.token)
	assert.Equal(t, int32(1), ts.exchanges.Load())

	// the shared exchange finished and was cached for later callers
	tok, err := p.AccessToken(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok.AccessToken)
	assert.Equal(t, int32(1), ts.exchanges.Load())
}

func TestInvalidate(t *testing.T) {
	ts := &tokenServer{}
	p := newTestProvider(t, ts)

	tok, err := p.AccessToken(t.Context())
	require.NoError(t, err)

	// a stale value that is no longer current is ignored
	p.Invalidate("some-older-token")
	again, err := p.AccessToken(t.Context())
	require.NoError(t, err)
	assert.Equal(t, tok.AccessToken, again.AccessToken)

	p.Invalidate(tok.AccessToken)
	fresh, err := p.AccessToken(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "token-2", fresh.AccessToken)
}

func TestTokenSatisfiesOAuth2TokenSource(t *testing.T) {
	p := newTestProvider(t, &tokenServer{})
	tok, err := p.Token()
	require.NoError(t, err)
	assert.True(t, tok.Valid())
}
