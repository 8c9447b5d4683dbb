// Package caminv implements the narrow client surface this service needs from
// the external e-invoicing authority: authorization-code exchange, token
// refresh and token revocation.
package caminv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"caminv-service/pkg/config"
)

// ErrAuthority wraps any upstream failure (transport error, timeout or an
// error response body) so callers can treat the authority as a single opaque
// failure domain.
var ErrAuthority = errors.New("external authority request failed")

// Credentials is the result of an exchange or refresh call.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
	ExpiresAt    time.Time
	Merchant     MerchantInfo
}

// MerchantInfo carries the merchant profile returned by the authority during
// the authorization exchange.
type MerchantInfo struct {
	MerchantID    string `json:"merchant_id"`
	MerchantName  string `json:"merchant_name"`
	CompanyNameEn string `json:"company_name_en"`
	CompanyNameKh string `json:"company_name_kh"`
	Tin           string `json:"tin"`
	EndpointID    string `json:"endpoint_id"`
	MocID         string `json:"moc_id"`
	City          string `json:"city"`
	Country       string `json:"country"`
	PhoneNumber   string `json:"phone_number"`
	Email         string `json:"email"`
}

// tokenResponse is the authority's token endpoint payload.
type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int          `json:"expires_in"`
	RefreshToken string       `json:"refresh_token"`
	Merchant     MerchantInfo `json:"merchant"`
}

// errorResponse is the authority's error payload.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Client talks to the external e-invoicing authority over HTTP.
type Client struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// NewClient creates a client from configuration. The configured request
// timeout bounds every call to the authority.
func NewClient(cfg *config.CamInvConfig) *Client {
	return &Client{
		BaseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		HTTPClient:   &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// ExchangeAuthorization exchanges an authorization code for merchant
// credentials and profile information.
func (c *Client) ExchangeAuthorization(ctx context.Context, code string) (*Credentials, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)

	return c.requestToken(ctx, data)
}

// RefreshToken exchanges a refresh token for a new access/refresh token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*Credentials, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	return c.requestToken(ctx, data)
}

// Revoke invalidates an access token with the authority. Callers treat
// failures as best-effort only.
func (c *Client) Revoke(ctx context.Context, accessToken string) error {
	data := url.Values{}
	data.Set("token", accessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/v1/auth/revoke", strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthority, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Basic "+c.basicAuth())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthority, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: revoke returned %d: %s", ErrAuthority, resp.StatusCode, parseError(body))
	}

	return nil
}

// requestToken performs a token endpoint call and maps the response.
func (c *Client) requestToken(ctx context.Context, data url.Values) (*Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/v1/auth/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthority, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Basic "+c.basicAuth())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthority, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthority, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: token endpoint returned %d: %s",
			ErrAuthority, resp.StatusCode, parseError(body))
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("%w: invalid token response: %v", ErrAuthority, err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access token", ErrAuthority)
	}

	return &Credentials{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		ExpiresAt:    time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
		Merchant:     tokenResp.Merchant,
	}, nil
}

// basicAuth builds the Basic credentials for the authority's client auth.
func (c *Client) basicAuth() string {
	return base64.StdEncoding.EncodeToString([]byte(c.ClientID + ":" + c.ClientSecret))
}

// parseError extracts a short error description from an authority error body
// without ever echoing tokens back into logs.
func parseError(body []byte) string {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return "unrecognized error response"
	}
	if errResp.ErrorDescription != "" {
		return errResp.Error + " - " + errResp.ErrorDescription
	}
	return errResp.Error
}
