package cloud

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

type createSessionRequest struct {
	PublicKeys      []string `json:"public_keys"`
	SessionDuration string   `json:"session_duration"`
}

type sessionResponse struct {
	SSH struct {
		ReversePort int       `json:"reverse_port"`
		ExpiresAt   time.Time `json:"expires_at"`
	} `json:"ssh"`
}

func sessionsPath(deviceUUID string) string {
	return "/remote-access/device/" + deviceUUID + "/sessions"
}

// CreateSession opens a remote-access session for deviceUUID that accepts
// publicKey and lasts duration. An existing session yields SessionConflict.
func (c *Client) CreateSession(ctx context.Context, deviceUUID, publicKey string, duration time.Duration) (CreateResult, error) {
	status, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   sessionsPath(deviceUUID),
		body: createSessionRequest{
			PublicKeys:      []string{publicKey + "\n"},
			SessionDuration: fmt.Sprintf("%ds", int64(duration/time.Second)),
		},
		accept: []int{http.StatusConflict},
	})
	if err != nil {
		return 0, fmt.Errorf("create session on %s: %w", deviceUUID, err)
	}
	if status == http.StatusConflict {
		return SessionConflict, nil
	}
	return SessionCreated, nil
}

// GetSession returns the active session for deviceUUID, or nil if none exists.
func (c *Client) GetSession(ctx context.Context, deviceUUID string) (*Session, error) {
	var resp sessionResponse
	status, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   sessionsPath(deviceUUID),
		accept: []int{http.StatusNotFound},
		out:    &resp,
	})
	if err != nil {
		return nil, fmt.Errorf("get session on %s: %w", deviceUUID, err)
	}
	if status == http.StatusNotFound || resp.SSH.ReversePort == 0 {
		return nil, nil
	}
	return &Session{ReversePort: resp.SSH.ReversePort, ExpiresAt: resp.SSH.ExpiresAt}, nil
}

// DeleteSession closes the session for deviceUUID.
func (c *Client) DeleteSession(ctx context.Context, deviceUUID string) error {
	_, err := c.do(ctx, request{
		method: http.MethodDelete,
		path:   sessionsPath(deviceUUID),
	})
	if err != nil {
		return fmt.Errorf("delete session on %s: %w", deviceUUID, err)
	}
	return nil
}
