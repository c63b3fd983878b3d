// Package github implements the GitHub OAuth device authorization flow used to
// obtain the identity token that is exchanged for a Copilot credential.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultClientID is the public OAuth app used by Copilot editor plugins.
	DefaultClientID = "Iv1.b507a08c87ecfe98"

	defaultDeviceAuthURL = "https://github.com/login/device/code"
	defaultTokenURL      = "https://github.com/login/oauth/access_token"

	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

// Provider error codes defined by RFC 8628 section 3.5.
const (
	errCodeAuthorizationPending = "authorization_pending"
	errCodeSlowDown             = "slow_down"
)

var (
	// ErrAuthorizationPending means the user has not approved the device yet.
	ErrAuthorizationPending = errors.New("github: authorization pending")

	// ErrSlowDown means the provider asked the client to poll less often.
	ErrSlowDown = errors.New("github: slow down")
)

// Option configures the device flow.
type Option func(*DeviceFlow)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *DeviceFlow) {
		d.httpClient = c
	}
}

// WithEndpoints overrides the device-code and access-token URLs.
func WithEndpoints(deviceAuthURL, tokenURL string) Option {
	return func(d *DeviceFlow) {
		if deviceAuthURL != "" {
			d.config.Endpoint.DeviceAuthURL = deviceAuthURL
		}
		if tokenURL != "" {
			d.config.Endpoint.TokenURL = tokenURL
		}
	}
}

// DeviceFlow drives the device authorization grant against GitHub.
type DeviceFlow struct {
	config     oauth2.Config
	httpClient *http.Client
}

// NewDeviceFlow creates a device flow for the given OAuth client.
func NewDeviceFlow(clientID string, scopes []string, opts ...Option) *DeviceFlow {
	if clientID == "" {
		clientID = DefaultClientID
	}
	d := &DeviceFlow{
		config: oauth2.Config{
			ClientID: clientID,
			Scopes:   scopes,
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: defaultDeviceAuthURL,
				TokenURL:      defaultTokenURL,
				AuthStyle:     oauth2.AuthStyleInParams,
			},
		},
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Initiate requests a device and user code.
func (d *DeviceFlow) Initiate(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.httpClient)
	resp, err := d.config.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	return resp, nil
}

// Poll performs exactly one access-token check for deviceCode. It returns
// ErrAuthorizationPending or ErrSlowDown while the user has not finished, and
// an *oauth2.RetrieveError for any other provider error.
//
// oauth2.Config.DeviceAccessToken loops until completion, so the single check
// is issued here directly.
func (d *DeviceFlow) Poll(ctx context.Context, deviceCode string) (*oauth2.Token, error) {
	form := url.Values{
		"client_id":   {d.config.ClientID},
		"device_code": {deviceCode},
		"grant_type":  {deviceGrantType},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// GitHub reports pending states with a 200 status and an error field.
	var tr struct {
		AccessToken      string `json:"access_token"`
		TokenType        string `json:"token_type"`
		Scope            string `json:"scope"`
		ExpiresIn        int64  `json:"expires_in"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		ErrorURI         string `json:"error_uri"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &oauth2.RetrieveError{Response: resp, Body: body}
		}
		return nil, fmt.Errorf("failed to unmarshal token response: %w", err)
	}

	switch tr.Error {
	case "":
	case errCodeAuthorizationPending:
		return nil, ErrAuthorizationPending
	case errCodeSlowDown:
		return nil, ErrSlowDown
	default:
		return nil, &oauth2.RetrieveError{
			Response:         resp,
			Body:             body,
			ErrorCode:        tr.Error,
			ErrorDescription: tr.ErrorDescription,
			ErrorURI:         tr.ErrorURI,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &oauth2.RetrieveError{Response: resp, Body: body}
	}
	if tr.AccessToken == "" {
		return nil, errors.New("github: token response missing access_token")
	}

	tok := &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok.WithExtra(map[string]any{"scope": tr.Scope}), nil
}
