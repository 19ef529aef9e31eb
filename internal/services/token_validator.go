package services

import (
	"context"
	"fmt"
	"strings"

	"saas-fulfillment/internal/config"
	"saas-fulfillment/internal/models"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

var (
	_ TokenValidator = (*OIDCTokenValidator)(nil)
	_ TokenValidator = (*SharedSecretValidator)(nil)
)

// NewTokenValidator picks the webhook trust mode from configuration: a shared
// HMAC secret when one is set, Azure AD signed tokens otherwise.
func NewTokenValidator(ctx context.Context, cfg config.WebhookConfig) TokenValidator {
	if cfg.SharedSecret != "" {
		return NewSharedSecretValidator(cfg)
	}
	return NewOIDCTokenValidator(cfg, oidc.NewRemoteKeySet(ctx, cfg.JWKSURL))
}

// OIDCTokenValidator verifies marketplace webhook tokens issued by Azure AD.
// Besides signature, issuer, audience and expiry it requires the token to be
// issued to the marketplace application.
type OIDCTokenValidator struct {
	verifier *oidc.IDTokenVerifier
	appID    string
}

// NewOIDCTokenValidator creates a validator that checks signatures against keySet
func NewOIDCTokenValidator(cfg config.WebhookConfig, keySet oidc.KeySet) *OIDCTokenValidator {
	return &OIDCTokenValidator{
		verifier: oidc.NewVerifier(cfg.Issuer, keySet, &oidc.Config{
			ClientID:          cfg.Audience,
			SkipClientIDCheck: cfg.Audience == "",
		}),
		appID: cfg.MarketplaceAppID,
	}
}

func (v *OIDCTokenValidator) Validate(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("missing bearer token: %w", models.ErrAuthentication)
	}
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrAuthentication, err)
	}

	var claims struct {
		AppID string `json:"appid"`
		AZP   string `json:"azp"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return fmt.Errorf("%w: %v", models.ErrAuthentication, err)
	}
	if v.appID != "" && !strings.EqualFold(claims.AppID, v.appID) && !strings.EqualFold(claims.AZP, v.appID) {
		return fmt.Errorf("token not issued to the marketplace application: %w", models.ErrAuthentication)
	}
	return nil
}

// SharedSecretValidator accepts HS256 tokens signed with a pre-shared secret.
// Used for private offers and local testing.
type SharedSecretValidator struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewSharedSecretValidator creates a validator from the webhook configuration
func NewSharedSecretValidator(cfg config.WebhookConfig) *SharedSecretValidator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &SharedSecretValidator{secret: []byte(cfg.SharedSecret), opts: opts}
}

func (v *SharedSecretValidator) Validate(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("missing bearer token: %w", models.ErrAuthentication)
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrAuthentication, err)
	}
	return nil
}
