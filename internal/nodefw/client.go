// Package nodefw is the client side of the external node firewall protocol:
// block decisions are delegated to a firewall control plane that enforces
// them below the application, and a drain marker file acts as the
// dead-man's switch that suspends delegation when the pipeline goes quiet.
package nodefw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nodegate/nodegate/internal/config"
)

// maxResponseBodyBytes limits how much of an error response body is read
// back for diagnostics.
const maxResponseBodyBytes = 4 * 1024

// BlockAddress asks the firewall to drop traffic from one source address to
// the given destination port for ttl seconds.
type BlockAddress struct {
	SourceAddress   string `json:"source_address"`
	DestinationPort uint16 `json:"destination_port"`
	TTL             uint64 `json:"ttl"`
}

// BlockRequest is the request body for the block_addresses endpoint.
type BlockRequest struct {
	Addresses []BlockAddress `json:"addresses"`
}

// Client calls the firewall control plane over HTTP JSON. In-flight requests
// are capped with a weighted semaphore so a burst of block decisions cannot
// stampede the control plane.
type Client struct {
	url        string
	httpClient *http.Client
	timeout    time.Duration
	sem        *semaphore.Weighted
	logger     *slog.Logger
}

// NewClient builds a firewall client from the firewall configuration.
func NewClient(cfg config.FirewallConfig, logger *slog.Logger) (*Client, error) {
	timeout, err := time.ParseDuration(cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("firewall.request_timeout: %w", err)
	}
	return &Client{
		url:        strings.TrimRight(cfg.RemoteURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentRequests),
		logger:     logger.With("component", "nodefw"),
	}, nil
}

// BlockAddresses posts the given block decisions to the firewall. It blocks
// until a concurrency slot is free or ctx is done; the HTTP call itself is
// bounded by the configured request timeout.
func (c *Client) BlockAddresses(ctx context.Context, addrs []BlockAddress) error {
	if len(addrs) == 0 {
		return nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire firewall request slot: %w", err)
	}
	defer c.sem.Release(1)

	body, err := json.Marshal(BlockRequest{Addresses: addrs})
	if err != nil {
		return fmt.Errorf("marshal block request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/block_addresses", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create block request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("firewall request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
		return fmt.Errorf("firewall returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	c.logger.Debug("delegated block decisions to firewall", "addresses", len(addrs))
	return nil
}
