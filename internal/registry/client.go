// Package registry implements an optional HTTP client that announces the
// relay endpoint to an external registry service on startup and removes it
// again on shutdown.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/postalsys/relay-server/internal/logging"
)

const relayCollection = "relays"

// Client talks to the registry's record API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	relayID    string
	apiKey     string
	logger     *slog.Logger
}

// NewClient creates a registry client.
func NewClient(baseURL, relayID, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		relayID:    relayID,
		apiKey:     apiKey,
		logger:     logger,
	}
}

type registerRequest struct {
	RelayID  string `json:"relay_id"`
	Endpoint string `json:"endpoint"`
}

type recordList struct {
	Items []struct {
		ID string `json:"id"`
	} `json:"items"`
}

// Register announces the relay endpoint as a new registry record.
func (c *Client) Register(ctx context.Context, endpoint string) error {
	reqURL := fmt.Sprintf("%s/api/collections/%s/records", c.baseURL, relayCollection)

	body, err := json.Marshal(registerRequest{RelayID: c.relayID, Endpoint: endpoint})
	if err != nil {
		return fmt.Errorf("marshal register request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register: unexpected status %s", resp.Status)
	}

	c.logger.Info("relay registered",
		logging.KeyAddress, endpoint,
		logging.KeyComponent, "registry")
	return nil
}

// Deregister looks up this relay's record and deletes it. A missing record
// is not an error: the registry may have pruned it already.
func (c *Client) Deregister(ctx context.Context) error {
	filter := url.QueryEscape(fmt.Sprintf("(relay_id='%s')", c.relayID))
	reqURL := fmt.Sprintf("%s/api/collections/%s/records?filter=%s", c.baseURL, relayCollection, filter)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build lookup request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lookup: unexpected status %s", resp.Status)
	}

	var list recordList
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&list); err != nil {
		return fmt.Errorf("decode lookup response: %w", err)
	}
	if len(list.Items) == 0 {
		return nil
	}

	deleteURL := fmt.Sprintf("%s/api/collections/%s/records/%s", c.baseURL, relayCollection, list.Items[0].ID)
	req, err = http.NewRequestWithContext(ctx, http.MethodDelete, deleteURL, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	c.authorize(req)

	resp, err = c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	resp.Body.Close()

	c.logger.Info("relay deregistered", logging.KeyComponent, "registry")
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
