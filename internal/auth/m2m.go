package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ms-paytracker/internal/logger"

	"golang.org/x/sync/singleflight"
)

// ServiceTokenSource fetches client-credentials tokens for calls that run outside a user
// request, such as background status polling. Tokens are reused from the cache until
// they are within TokenExpiryBuffer of expiry.
type ServiceTokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	cache        TokenStore
	log          *logger.Logger
	group        singleflight.Group
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func NewServiceTokenSource(tokenURL, clientID, clientSecret string, httpClient *http.Client, cache TokenStore, log *logger.Logger) *ServiceTokenSource {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ServiceTokenSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		cache:        cache,
		log:          log,
	}
}

// Token returns a cached token or fetches a new one. Concurrent callers that miss the
// cache share a single request to the token endpoint.
func (s *ServiceTokenSource) Token(ctx context.Context) (string, error) {
	if tok := s.cached(ctx); tok != "" {
		return tok, nil
	}

	v, err, shared := s.group.Do(s.clientID, func() (interface{}, error) {
		if tok := s.cached(ctx); tok != "" {
			return tok, nil
		}
		resp, err := s.fetch(ctx)
		if err != nil {
			return "", err
		}
		if s.cache != nil {
			lifetime := time.Duration(resp.ExpiresIn) * time.Second
			if err := s.cache.SetToken(ctx, resp.AccessToken, lifetime); err != nil {
				s.log.Warn("AUTH", fmt.Sprintf("Token cache write failed: %v", err))
			}
		}
		return resp.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		s.log.Debug("AUTH", "Service token fetch shared with concurrent callers")
	}
	return v.(string), nil
}

func (s *ServiceTokenSource) cached(ctx context.Context) string {
	if s.cache == nil {
		return ""
	}
	tok, err := s.cache.GetToken(ctx)
	if err != nil {
		s.log.Warn("AUTH", fmt.Sprintf("Token cache read failed: %v", err))
		return ""
	}
	if tok == nil {
		return ""
	}
	s.log.LogCache("HIT", TokenKey(s.clientID), "service token reused")
	return tok.Token
}

func (s *ServiceTokenSource) fetch(ctx context.Context) (*tokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", s.clientID)
	data.Set("client_secret", s.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	s.log.Debug("AUTH", fmt.Sprintf("Requesting service token from %s", s.tokenURL))
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Error("AUTH", fmt.Sprintf("Token request failed: %v", err))
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		s.log.Error("AUTH", fmt.Sprintf("Token endpoint returned %s: %s", resp.Status, string(body)))
		return nil, fmt.Errorf("failed to get token, status: %s", resp.Status)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}
	return &tr, nil
}
