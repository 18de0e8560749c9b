package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"aval/internal/retry"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// refreshTokenLocked fetches a token with the client credentials grant.
// c.mu must be held.
func (c *Client) refreshTokenLocked(ctx context.Context) error {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	tok, err := retry.Do(ctx, c.retry, func(ctx context.Context) (tokenResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return tokenResponse{}, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := c.http.Do(req)
		if err != nil {
			return tokenResponse{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return tokenResponse{}, retry.NewStatusError(resp)
		}
		var out tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return tokenResponse{}, fmt.Errorf("decode token response: %w", err)
		}
		return out, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("%w: empty access token", ErrAuthFailed)
	}
	c.token = tok.AccessToken
	c.tokenExpiry = c.expiryOf(tok)
	return nil
}

// expiryOf reads the exp claim of the token without verifying it; the cloud
// verifies it. expires_in is the fallback for opaque tokens. A zero time
// means the token is never renewed proactively.
func (c *Client) expiryOf(tok tokenResponse) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if tok.ExpiresIn > 0 {
		return c.clock.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return time.Time{}
}
