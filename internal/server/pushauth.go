package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	googleIssuer  = "https://accounts.google.com"
)

// PushVerifier validates the OIDC token Pub/Sub attaches to push deliveries:
// signature against Google's JWKS, issuer, the configured audience, and
// optionally the sending service account. Keys are cached with background
// refresh so verification stays off the network on the hot path.
type PushVerifier struct {
	jwksURL        string
	cache          *jwk.Cache
	audience       string
	serviceAccount string
}

// NewPushVerifier builds a verifier for the given audience. serviceAccount
// may be empty to skip the sender email check.
func NewPushVerifier(ctx context.Context, audience, serviceAccount string) (*PushVerifier, error) {
	if audience == "" {
		return nil, fmt.Errorf("push audience not configured")
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(googleJWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("register jwks url: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, googleJWKSURL); err != nil {
		return nil, fmt.Errorf("initial jwks fetch: %w", err)
	}

	return &PushVerifier{
		jwksURL:        googleJWKSURL,
		cache:          cache,
		audience:       audience,
		serviceAccount: serviceAccount,
	}, nil
}

// Verify checks the bearer token on an inbound push request.
func (v *PushVerifier) Verify(r *http.Request) error {
	keySet, err := v.cache.Get(r.Context(), v.jwksURL)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}

	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
		jwt.WithIssuer(googleIssuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return fmt.Errorf("verify push token: %w", err)
	}

	if v.serviceAccount != "" {
		claim, _ := token.Get("email")
		email, _ := claim.(string)
		if email != v.serviceAccount {
			return fmt.Errorf("push token from unexpected sender %q", email)
		}
	}
	return nil
}
