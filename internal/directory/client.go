// Package directory resolves user contact details from the profile service.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pulsefeed/notification-engine/internal/domain"
)

// Config for the profile service client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements domain.UserDirectory against the profile service's
// internal user endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type userProfile struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

func (c *Client) EmailFor(ctx context.Context, userID string) (string, error) {
	profile, err := c.fetch(ctx, userID)
	if err != nil {
		return "", err
	}
	if profile.Email == "" {
		return "", domain.ErrNotFound
	}
	return profile.Email, nil
}

func (c *Client) DisplayName(ctx context.Context, userID string) (string, error) {
	profile, err := c.fetch(ctx, userID)
	if err != nil {
		return "", err
	}
	if profile.DisplayName == "" {
		return userID, nil
	}
	return profile.DisplayName, nil
}

func (c *Client) fetch(ctx context.Context, userID string) (*userProfile, error) {
	url := fmt.Sprintf("%s/internal/users/%s", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build directory request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	var profile userProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}
	return &profile, nil
}
