package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenResponse is a successful response from the identity provider's token
// endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// IdentityProvider exchanges a refresh token for an access token.
type IdentityProvider interface {
	Refresh(ctx context.Context, endpoint, clientID, clientSecret, refreshToken string) (*TokenResponse, error)
}

// HTTPIdentityProvider talks to the regional accounts server over HTTPS.
type HTTPIdentityProvider struct {
	client *http.Client
}

// NewHTTPIdentityProvider creates a provider client. A nil httpClient gets a
// 30-second-timeout default.
func NewHTTPIdentityProvider(httpClient *http.Client) *HTTPIdentityProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPIdentityProvider{client: httpClient}
}

// Refresh posts a refresh_token grant to the token endpoint. Provider error
// responses come back as *OAuthError; transport failures as wrapped errors.
func (p *HTTPIdentityProvider) Refresh(ctx context.Context, endpoint, clientID, clientSecret, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseOAuthError(resp.StatusCode, body)
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, &OAuthError{Code: "invalid_response", Description: "response carried no access token", Status: resp.StatusCode}
	}
	return &tr, nil
}

func parseOAuthError(status int, body []byte) *OAuthError {
	var payload struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		// Some provider edges return opaque HTML on throttled requests.
		return &OAuthError{Code: "unknown", Status: status}
	}
	return &OAuthError{Code: payload.Error, Description: payload.Description, Status: status}
}
