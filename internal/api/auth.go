package api

import (
	"context"
	"net/http"
)

// Login exchanges credentials for an access token and the user's profile.
// It does not persist the token; the session manager owns that write.
func (c *Client) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	var out LoginResult
	if err := c.Do(ctx, http.MethodPost, "/auth/login", creds, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register creates an account and returns the resulting profile.
func (c *Client) Register(ctx context.Context, reg Registration) (*User, error) {
	var out User
	if err := c.Do(ctx, http.MethodPost, "/auth/register", reg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify validates the persisted token and returns the current user.
func (c *Client) Verify(ctx context.Context) (*User, error) {
	var out User
	if err := c.Do(ctx, http.MethodGet, "/auth/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout invalidates the server-side session.
func (c *Client) Logout(ctx context.Context) error {
	return c.Do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// UpdateProfile updates the current user's profile and returns the result.
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (*User, error) {
	var out User
	if err := c.Do(ctx, http.MethodPut, "/auth/users/me", update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
