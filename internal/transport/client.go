// Package transport implements the REST collaborator against a homeserver's
// key endpoints.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"roomcrypt/internal/domain"
	"roomcrypt/internal/errs"
)

// Client talks to the homeserver over HTTP. Server-side and network failures
// are retried with exponential backoff inside each call; 4xx responses are
// not retried.
type Client struct {
	Base        string
	AccessToken string
	HTTP        *http.Client

	// MaxElapsed bounds the retry window of a single call.
	MaxElapsed time.Duration
}

// New builds a client for the given base URL and access token.
func New(base, accessToken string) *Client {
	return &Client{
		Base:        base,
		AccessToken: accessToken,
		HTTP:        &http.Client{Timeout: 30 * time.Second},
		MaxElapsed:  time.Minute,
	}
}

var _ domain.Transport = (*Client)(nil)

// statusError carries a non-2xx response so the retry loop can distinguish
// client errors from server errors.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	operation := func() error {
		var body io.Reader
		if in != nil {
			b, err := json.Marshal(in)
			if err != nil {
				return backoff.Permanent(err)
			}
			body = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.AccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.AccessToken)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode/100 != 2 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			serr := &statusError{code: resp.StatusCode, body: string(raw)}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return serr
			}
			return backoff.Permanent(serr)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(err)
			}
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.MaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		if serr, ok := asStatusError(err); ok && serr.code == http.StatusNotFound {
			return errs.Wrap(errs.CodeNotFound, method+" "+path, err)
		}
		return errs.Wrap(errs.CodeTransportFailure, method+" "+path, err)
	}
	return nil
}

func asStatusError(err error) (*statusError, bool) {
	for err != nil {
		if serr, ok := err.(*statusError); ok {
			return serr, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

type claimRequest struct {
	OneTimeKeys domain.OneTimeKeyClaim `json:"one_time_keys"`
}

type claimResponse struct {
	OneTimeKeys []domain.ClaimedOneTimeKey `json:"one_time_keys"`
}

func (c *Client) ClaimOneTimeKeys(ctx context.Context, claim domain.OneTimeKeyClaim) ([]domain.ClaimedOneTimeKey, error) {
	var out claimResponse
	if err := c.do(ctx, http.MethodPost, "/keys/claim", claimRequest{OneTimeKeys: claim}, &out); err != nil {
		return nil, err
	}
	return out.OneTimeKeys, nil
}

type uploadRequest struct {
	DeviceKeys  domain.DeviceKeys `json:"device_keys"`
	OneTimeKeys map[string]string `json:"one_time_keys,omitempty"`
}

func (c *Client) UploadDeviceKeys(ctx context.Context, keys domain.DeviceKeys, oneTimeKeys map[string]string) error {
	return c.do(ctx, http.MethodPost, "/keys/upload", uploadRequest{DeviceKeys: keys, OneTimeKeys: oneTimeKeys}, nil)
}

type queryRequest struct {
	UserIDs []domain.UserID `json:"user_ids"`
}

func (c *Client) DownloadDeviceKeys(ctx context.Context, userIDs []domain.UserID) (domain.KeyDownloadResponse, error) {
	var out domain.KeyDownloadResponse
	err := c.do(ctx, http.MethodPost, "/keys/query", queryRequest{UserIDs: userIDs}, &out)
	return out, err
}

type toDeviceRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

func (c *Client) SendToDevice(ctx context.Context, eventType string, userID domain.UserID, deviceID domain.DeviceID, payload json.RawMessage) error {
	path := "/sendToDevice/" + url.PathEscape(userID.String()) + "/" + url.PathEscape(deviceID.String())
	return c.do(ctx, http.MethodPut, path, toDeviceRequest{EventType: eventType, Payload: payload}, nil)
}

func (c *Client) GetBackupVersion(ctx context.Context, version string) (domain.BackupVersion, error) {
	var out domain.BackupVersion
	path := "/room_keys/version"
	if version != "" {
		path += "/" + url.PathEscape(version)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

type putVersionResponse struct {
	Version string `json:"version"`
}

func (c *Client) PutBackupVersion(ctx context.Context, version domain.BackupVersion) (string, error) {
	var out putVersionResponse
	if err := c.do(ctx, http.MethodPost, "/room_keys/version", version, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

type roomKeysBody struct {
	Sessions []domain.BackedUpSession `json:"sessions"`
}

func (c *Client) UploadRoomKeys(ctx context.Context, version string, batch []domain.BackedUpSession) error {
	path := "/room_keys/keys?version=" + url.QueryEscape(version)
	return c.do(ctx, http.MethodPut, path, roomKeysBody{Sessions: batch}, nil)
}

func (c *Client) GetRoomKeys(ctx context.Context, version string, roomID domain.RoomID, sessionID domain.SessionID) ([]domain.BackedUpSession, error) {
	path := "/room_keys/keys"
	if roomID != "" {
		path += "/" + url.PathEscape(roomID.String())
		if sessionID != "" {
			path += "/" + url.PathEscape(sessionID.String())
		}
	}
	path += "?version=" + url.QueryEscape(version)

	var out roomKeysBody
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}
