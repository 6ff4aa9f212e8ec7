package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pulse/internal/interfaces"
	"pulse/internal/logger"
	"pulse/internal/models"
)

// Client talks to the directory service over HTTP. It implements
// interfaces.DirectoryClient.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logger.Logger
}

// NewClient creates a directory client for the given base URL
func NewClient(baseURL string, log *logger.Logger) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "http://localhost:8081"
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  log.WithComponent("directory"),
	}
}

// FetchSnapshot retrieves the authoritative snapshot for a user
func (c *Client) FetchSnapshot(ctx context.Context, userID string) (*models.Snapshot, error) {
	url := fmt.Sprintf("%s/v1/users/%s/snapshot", c.baseURL, userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch snapshot: directory returned %d: %s", resp.StatusCode, body)
	}

	var snapshot models.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("fetch snapshot: decode: %w", err)
	}

	c.logger.Debug("Fetched snapshot", "user", userID, "contacts", len(snapshot.Contacts))
	return &snapshot, nil
}

// Persist applies a partial overlay write to the remote snapshot
func (c *Client) Persist(ctx context.Context, userID string, patch *models.SnapshotPatch) error {
	url := fmt.Sprintf("%s/v1/users/%s/snapshot", c.baseURL, userID)

	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("persist snapshot: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("persist snapshot: directory returned %d: %s", resp.StatusCode, body)
	}

	return nil
}

var _ interfaces.DirectoryClient = (*Client)(nil)
