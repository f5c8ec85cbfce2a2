package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ms-paytracker/internal/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := BearerToken(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Token abc")
	_, err = BearerToken(r)
	assert.ErrorIs(t, err, ErrTokenFormat)

	r.Header.Set("Authorization", "bearer abc")
	tok, err := BearerToken(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}

func TestUnverifiedSubject(t *testing.T) {
	sub, err := UnverifiedSubject(signedToken(t, "user-42"))
	require.NoError(t, err)
	assert.Equal(t, "user-42", sub)

	_, err = UnverifiedSubject("garbage")
	assert.Error(t, err)

	_, err = UnverifiedSubject("")
	assert.Error(t, err)
}

type stubVerifier struct {
	sub string
	err error
}

func (s stubVerifier) Verify(context.Context, string) (string, error) { return s.sub, s.err }

func TestMiddleware(t *testing.T) {
	var gotUser, gotToken string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserID(r.Context())
		gotToken = Token(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	log := logger.NewDiscard()

	t.Run("valid token", func(t *testing.T) {
		token := signedToken(t, "user-1")
		h := Middleware(UnverifiedVerifier{}, true, log)(next)
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "user-1", gotUser)
		assert.Equal(t, token, gotToken)
	})

	t.Run("missing token required", func(t *testing.T) {
		h := Middleware(UnverifiedVerifier{}, true, log)(next)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing token optional", func(t *testing.T) {
		gotUser = "stale"
		h := Middleware(UnverifiedVerifier{}, false, log)(next)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, gotUser)
	})

	t.Run("rejected by verifier", func(t *testing.T) {
		h := Middleware(stubVerifier{err: errors.New("expired")}, false, log)(next)
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer whatever")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestServiceTokenSource_CachesToken(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "paytracker", r.PostForm.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"svc-token","expires_in":300}`))
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	src := NewServiceTokenSource(srv.URL, "paytracker", "secret", srv.Client(), NewRedisTokenCache(rdb, "paytracker"), logger.NewDiscard())

	for i := 0; i < 3; i++ {
		tok, err := src.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "svc-token", tok)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, mr.Exists(TokenKey("paytracker")))
	assert.InDelta(t, 300, mr.TTL(TokenKey("paytracker")).Seconds(), 1)
}

func TestServiceTokenSource_EndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad client", http.StatusUnauthorized)
	}))
	defer srv.Close()

	src := NewServiceTokenSource(srv.URL, "paytracker", "wrong", srv.Client(), nil, logger.NewDiscard())
	_, err := src.Token(context.Background())
	assert.Error(t, err)
}

func TestServiceTokenSource_ConcurrentCallersShareFetch(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"svc-token","expires_in":300}`))
	}))
	defer srv.Close()

	src := NewServiceTokenSource(srv.URL, "paytracker", "secret", srv.Client(), nil, logger.NewDiscard())

	var wg sync.WaitGroup
	tokens := make([]string, 5)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := src.Token(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, tok := range tokens {
		assert.Equal(t, "svc-token", tok)
	}
}

func TestRedisTokenCache_SkipsShortLivedTokens(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	c := NewRedisTokenCache(rdb, "svc")
	require.NoError(t, c.SetToken(context.Background(), "brief", 30*time.Second))
	assert.False(t, mr.Exists(TokenKey("svc")))

	require.NoError(t, c.SetToken(context.Background(), "long", time.Hour))
	got, err := c.GetToken(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "long", got.Token)
}

func TestCachedToken_IsValid(t *testing.T) {
	var nilToken *CachedToken
	assert.False(t, nilToken.IsValid())
	assert.False(t, (&CachedToken{Token: "x", ExpiresAt: time.Now().Add(30 * time.Second)}).IsValid())
	assert.True(t, (&CachedToken{Token: "x", ExpiresAt: time.Now().Add(5 * time.Minute)}).IsValid())
}
