package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"ms-paytracker/internal/logger"
	"ms-paytracker/internal/utils"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Verifier checks a raw bearer token and returns its subject.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (subject string, err error)
}

type oidcVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the issuer's keys. Client id checks are skipped since
// tokens are minted for the front-end client, not this service.
func NewOIDCVerifier(ctx context.Context, issuer string) (Verifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}
	return &oidcVerifier{
		verifier: provider.Verifier(&oidc.Config{SkipClientIDCheck: true}),
	}, nil
}

func (v *oidcVerifier) Verify(ctx context.Context, rawToken string) (string, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", err
	}
	var claims struct {
		Sub string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("failed to parse claims: %w", err)
	}
	return claims.Sub, nil
}

// UnverifiedVerifier trusts the token and only decodes its subject.
type UnverifiedVerifier struct{}

func (UnverifiedVerifier) Verify(_ context.Context, rawToken string) (string, error) {
	return UnverifiedSubject(rawToken)
}

// Middleware authenticates the bearer token and stores the subject and the raw token
// in the request context. With required=false, requests without a token pass through
// anonymously; a token that is present but invalid is always rejected.
func Middleware(v Verifier, required bool, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, err := BearerToken(r)
			if errors.Is(err, ErrMissingToken) && !required {
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				log.LogSecurity("AUTH_FAILED", fmt.Sprintf("%s: %v", r.RemoteAddr, err))
				utils.WriteError(w, http.StatusUnauthorized, err.Error())
				return
			}

			sub, err := v.Verify(r.Context(), rawToken)
			if err != nil {
				log.LogSecurity("AUTH_FAILED", fmt.Sprintf("%s: invalid token: %v", r.RemoteAddr, err))
				utils.WriteError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := WithUserID(r.Context(), sub)
			ctx = WithToken(ctx, rawToken)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
