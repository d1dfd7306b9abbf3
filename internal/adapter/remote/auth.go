package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jgivc/coursepull/internal/common"
)

type AuthConfig struct {
	TokenURL       string        `yaml:"token_url"`
	IntrospectURL  string        `yaml:"introspect_url"`
	RevokeURL      string        `yaml:"revoke_url"`
	ClientID       string        `yaml:"client_id"`
	ClientSecret   string        `yaml:"client_secret"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func (c *AuthConfig) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
}

// AuthClient implements the credential provider over HTTP. Failures are
// classified so callers can tell user cancellation, network trouble and
// misconfiguration apart.
type AuthClient struct {
	cl  *http.Client
	cfg AuthConfig
	log *slog.Logger
}

func NewAuthClient(cfg AuthConfig, log *slog.Logger) *AuthClient {
	cfg.setDefaults()

	return &AuthClient{
		cl:  newHTTPClient(cfg.RequestTimeout),
		cfg: cfg,
		log: log.With(slog.String("item", "AuthClient")),
	}
}

func (c *AuthClient) RequestToken(ctx context.Context, interactive bool) (string, error) {
	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"interactive":   {fmt.Sprintf("%t", interactive)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &common.AuthError{Kind: common.AuthConfig, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.cl.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", &common.AuthError{Kind: common.AuthCancelled, Err: err}
		}

		return "", &common.AuthError{Kind: common.AuthNetwork, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &common.AuthError{
			Kind: common.AuthConfig,
			Err:  fmt.Errorf("token endpoint rejected request: %s", resp.Status),
		}
	default:
		return "", &common.AuthError{
			Kind: common.AuthNetwork,
			Err:  fmt.Errorf("token endpoint unavailable: %s", resp.Status),
		}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &common.AuthError{Kind: common.AuthNetwork, Err: err}
	}
	if payload.AccessToken == "" {
		return "", &common.AuthError{
			Kind: common.AuthConfig,
			Err:  fmt.Errorf("token endpoint returned no access token"),
		}
	}

	return payload.AccessToken, nil
}

func (c *AuthClient) RevokeToken(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.cl.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("revocation endpoint returned %s", resp.Status)
	}

	return nil
}

func (c *AuthClient) RemainingLifetime(ctx context.Context, token string) (time.Duration, error) {
	form := url.Values{"token": {token}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.IntrospectURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.cl.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("introspection endpoint returned %s", resp.Status)
	}

	var payload struct {
		Active    bool  `json:"active"`
		ExpiresIn int64 `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("cannot decode introspection response: %w", err)
	}

	if !payload.Active {
		return 0, nil
	}

	return time.Duration(payload.ExpiresIn) * time.Second, nil
}
