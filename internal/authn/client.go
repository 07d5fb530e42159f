package authn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wazo-platform/wazo-websocketd/internal/config"
	"github.com/wazo-platform/wazo-websocketd/internal/wsproto"
)

// checkACL is the ACL the service identifies itself with when looking up a
// caller's token, matching AsyncAuthClient._ACL.
const checkACL = "websocketd"

// Client is the synchronous identity-service contract consumed by Authn.
type Client interface {
	GetToken(ctx context.Context, tokenID string) (*Token, error)
	IsValidToken(ctx context.Context, tokenID string) (bool, error)
	NewServiceToken(ctx context.Context, expiration int) (*Token, error)
}

// HTTPClient is the Client implementation backed by the wazo-auth HTTP API.
type HTTPClient struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewHTTPClient builds an HTTPClient from the auth section of the config.
func NewHTTPClient(cfg config.Auth) *HTTPClient {
	scheme := "http"
	if cfg.HTTPS {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
	if cfg.Prefix != "" {
		base += cfg.Prefix
	}
	return &HTTPClient{
		baseURL:  base,
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

type tokenMetadata struct {
	UUID       string `json:"uuid"`
	TenantUUID string `json:"tenant_uuid"`
	Purpose    string `json:"purpose"`
	Admin      bool   `json:"admin"`
}

type tokenResponse struct {
	UUID         string        `json:"uuid"`
	SessionUUID  string        `json:"session_uuid"`
	ACL          []string      `json:"acl"`
	Metadata     tokenMetadata `json:"metadata"`
	UTCExpiresAt string        `json:"utc_expires_at"`
}

func (r tokenResponse) toToken(id string) (*Token, error) {
	expiresAt, err := time.Parse(time.RFC3339, r.UTCExpiresAt)
	if err != nil {
		expiresAt, err = time.Parse("2006-01-02T15:04:05.000000", r.UTCExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("parsing utc_expires_at %q: %w", r.UTCExpiresAt, err)
		}
	}
	return &Token{
		ID:           id,
		UserUUID:     r.Metadata.UUID,
		TenantUUID:   r.Metadata.TenantUUID,
		SessionUUID:  r.SessionUUID,
		ACL:          r.ACL,
		Purpose:      r.Metadata.Purpose,
		Admin:        r.Metadata.Admin,
		UTCExpiresAt: expiresAt.UTC(),
	}, nil
}

// GetToken fetches the full token by id. Any transport error or non-200 status is
// reported as an AuthenticationError, since the caller cannot distinguish
// "unauthorized" from "unreachable" any more cleanly than that.
func (c *HTTPClient) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	url := fmt.Sprintf("%s/token/%s?acl=%s", c.baseURL, tokenID, checkACL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &wsproto.AuthenticationError{Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &wsproto.AuthenticationError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &wsproto.AuthenticationError{Err: fmt.Errorf("identity service returned %d", resp.StatusCode)}
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &wsproto.AuthenticationError{Err: err}
	}
	return body.toToken(tokenID)
}

// IsValidToken checks validity without fetching the full token, matching
// the HEAD /token/<id> contract.
func (c *HTTPClient) IsValidToken(ctx context.Context, tokenID string) (bool, error) {
	url := fmt.Sprintf("%s/token/%s?acl=%s", c.baseURL, tokenID, checkACL)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, &wsproto.AuthenticationError{Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, &wsproto.AuthenticationError{Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return true, nil
	case http.StatusForbidden, http.StatusNotFound:
		return false, nil
	default:
		return false, &wsproto.AuthenticationError{Err: fmt.Errorf("identity service returned %d", resp.StatusCode)}
	}
}

// NewServiceToken mints a fresh service token, used by ServiceTokenRenewer.
func (c *HTTPClient) NewServiceToken(ctx context.Context, expiration int) (*Token, error) {
	url := fmt.Sprintf("%s/token?expiration=%d", c.baseURL, expiration)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity service returned %d minting service token", resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.toToken(body.UUID)
}
