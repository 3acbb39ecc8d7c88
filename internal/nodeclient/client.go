// Package nodeclient defines the boundary to the blockchain node: block
// fetching and health checks (spec.md §6). The node's own RPC protocol is
// out of scope for this core; only this narrow interface matters here.
package nodeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Block is one fetched block. Payload is opaque to the runtime — only
// the guest program interprets it.
type Block struct {
	Height  uint64
	Payload []byte
}

// HealthStatus is the node's self-reported status document.
type HealthStatus struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// NotOk is returned by Health when the node cannot be reached within the
// bounded timeout, rather than propagating the underlying transport
// error (spec.md §5 "Timeouts").
var NotOk = HealthStatus{OK: false, Message: "node unreachable"}

// Client is the synchronous node collaborator an Executor drives.
type Client interface {
	// FetchBlocks returns up to maxBlocks blocks starting at fromHeight.
	// An empty, nil-error result means "caught up"; the executor treats
	// that as an idle tick, not an error.
	FetchBlocks(ctx context.Context, fromHeight, maxBlocks uint64) ([]Block, error)

	// Health probes node reachability. It never returns an error: an
	// unreachable node yields NotOk.
	Health(ctx context.Context) HealthStatus
}

// HTTPClient implements Client against a node exposing a simple REST
// surface: GET /blocks?from=H&max=N and GET /health.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient builds a Client with bounded per-request timeouts.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) FetchBlocks(ctx context.Context, fromHeight, maxBlocks uint64) ([]Block, error) {
	url := fmt.Sprintf("%s/blocks?from=%d&max=%d", c.baseURL, fromHeight, maxBlocks)

	var blocks []Block
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "nodeclient: build request"))
		}
		resp, err := c.http.Do(req)
		if err != nil {
			// Transport errors are retryable (spec.md §7).
			return errors.Wrap(err, "nodeclient: fetch blocks")
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return errors.Errorf("nodeclient: fetch blocks: server error %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(errors.Errorf("nodeclient: fetch blocks: status %d: %s", resp.StatusCode, body))
		}
		return json.NewDecoder(resp.Body).Decode(&blocks)
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (c *HTTPClient) Health(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return NotOk
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return NotOk
	}
	defer resp.Body.Close()

	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return NotOk
	}
	return status
}
