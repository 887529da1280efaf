package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/driftsync/driftsync/internal/apply"
	"github.com/driftsync/driftsync/internal/change"
	"github.com/driftsync/driftsync/internal/registry"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the outbound HTTP transport shared by the worker, the catch-up
// scheduler and the health prober. Every request carries a bounded timeout;
// there are no infinite waits on the network.
type Client struct {
	httpClient HTTPClient
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

func NewClientWithHTTP(client HTTPClient) *Client {
	return &Client{httpClient: client}
}

// PostBatch ships one checksummed batch to a peer's receive endpoint and
// returns the peer's per-database apply result.
func (c *Client) PostBatch(ctx context.Context, server *registry.Server, batch *change.Batch) (*apply.Result, error) {
	return c.postBatch(ctx, server, batch, "/changes/receive")
}

// PostCatchup ships a bulk catch-up chunk. Same semantics as PostBatch, just
// the larger-volume endpoint.
func (c *Client) PostCatchup(ctx context.Context, server *registry.Server, batch *change.Batch) (*apply.Result, error) {
	return c.postBatch(ctx, server, batch, "/changes/catchup")
}

func (c *Client) postBatch(ctx context.Context, server *registry.Server, batch *change.Batch, path string) (*apply.Result, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.BaseURL()+path, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send batch to %s: %w", server.Name, err)
	}
	defer resp.Body.Close()

	var result apply.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("unreadable apply result from %s (status %d): %w", server.Name, resp.StatusCode, err)
	}

	switch result.Status {
	case apply.StatusCommitted:
		return &result, nil
	case apply.StatusRejected:
		return &result, fmt.Errorf("peer %s rejected batch %s: checksum mismatch", server.Name, batch.ID)
	case apply.StatusPartiallyFailed:
		return &result, &apply.PartialFailureError{
			BatchID: batch.ID,
			AppErr:  result.AppDB.Error,
			AuthErr: result.AuthDB.Error,
		}
	default:
		return &result, fmt.Errorf("peer %s returned unknown apply status %q", server.Name, result.Status)
	}
}

// Health fetches a peer's identity and capabilities. With footprints=true the
// response includes per-table data footprints for divergence detection.
func (c *Client) Health(ctx context.Context, server *registry.Server, footprints bool) (*change.HealthInfo, error) {
	url := server.BaseURL() + "/health"
	if footprints {
		url += "?footprints=1"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", server.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("peer %s returned status %d", server.Name, resp.StatusCode)
	}

	var info change.HealthInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("unreadable health response from %s: %w", server.Name, err)
	}

	return &info, nil
}

// Ping is the liveness probe used by the registry prober.
func (c *Client) Ping(ctx context.Context, server *registry.Server) error {
	_, err := c.Health(ctx, server, false)
	return err
}
