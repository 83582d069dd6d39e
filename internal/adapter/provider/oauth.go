package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/jsonx"
)

// defaultOAuthEndpoint is the Google token endpoint used by identity
// files from the gemini CLI login flow.
const defaultOAuthEndpoint = "https://oauth2.googleapis.com/token"

const oauthClientID = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"

// TokenRefresher exchanges refresh tokens for fresh access tokens.
// Endpoint and outbound proxy are both overridable for networks where
// the token endpoint must be reached through a relay.
type TokenRefresher struct {
	endpoint string
	client   *http.Client
}

func NewTokenRefresher(oauthProxyURL, proxyURL string) *TokenRefresher {
	endpoint := defaultOAuthEndpoint
	if oauthProxyURL != "" {
		endpoint = strings.TrimSuffix(oauthProxyURL, "/") + "/token"
	}

	transport := &http.Transport{}
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	}
	return &TokenRefresher{
		endpoint: endpoint,
		client:   &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// Refresh implements the credential manager's refresh contract.
func (t *TokenRefresher) Refresh(ctx context.Context, cred *domain.Credential) (string, time.Time, error) {
	if cred.RefreshToken == "" {
		return "", time.Time{}, domain.NewProxyErrorWithMessage(
			domain.ErrNoCredential, domain.KindAuth, false,
			"credential "+cred.ID+" has no refresh token")
	}

	form := url.Values{
		"client_id":     {oauthClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", time.Time{}, domain.NewProxyErrorWithMessage(
			fmt.Errorf("%w: %v", domain.ErrUpstreamError, err),
			domain.KindTransient, true, "token endpoint unreachable")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 400 {
		kind := domain.KindTransient
		retryable := true
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// A rejected refresh token will not start working on retry.
			kind = domain.KindAuth
			retryable = false
		}
		return "", time.Time{}, domain.NewProxyErrorWithMessage(
			domain.ErrUpstreamError, kind, retryable,
			fmt.Sprintf("token refresh for %s returned %d", cred.ID, resp.StatusCode))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := jsonx.SafeUnmarshal(body, &payload); err != nil || payload.AccessToken == "" {
		return "", time.Time{}, domain.NewProxyErrorWithMessage(
			domain.ErrUpstreamError, domain.KindAuth, false,
			"token refresh for "+cred.ID+" returned no access token")
	}

	expiry := time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	return payload.AccessToken, expiry, nil
}
