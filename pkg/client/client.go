// Package client is the HTTP client for the provider contract: the unified
// /pact envelope exchange plus the settlement endpoints. It implements
// negotiation.Transport and settlement.Provider.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"pact/pkg/envelope"
	"pact/pkg/protocol"
	"pact/pkg/settlement"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
	}
}

// Exchange posts one signed envelope to /pact and returns the provider's
// signed reply.
func (c *Client) Exchange(ctx context.Context, env envelope.SignedEnvelope) (envelope.SignedEnvelope, error) {
	var out envelope.SignedEnvelope
	if err := c.post(ctx, "/pact", env, &out); err != nil {
		return envelope.SignedEnvelope{}, err
	}
	return out, nil
}

type quoteRequest struct {
	Intent      envelope.Message `json:"intent"`
	AgreedPrice string           `json:"agreed_price"`
}

type chunkRequest struct {
	HandleID string `json:"handle_id"`
	Tick     int    `json:"tick"`
}

type handleRequest struct {
	HandleID string `json:"handle_id"`
}

func (c *Client) Prepare(ctx context.Context, intent envelope.Message, agreedPrice string) (settlement.Handle, error) {
	var out settlement.Handle
	if err := c.post(ctx, "/quote", quoteRequest{Intent: intent, AgreedPrice: agreedPrice}, &out); err != nil {
		return settlement.Handle{}, err
	}
	return out, nil
}

// Commit is idempotent on the provider side; Status re-posts the same handle
// to re-poll a pending settlement.
func (c *Client) Commit(ctx context.Context, h settlement.Handle) (settlement.CommitResult, error) {
	var out settlement.CommitResult
	if err := c.post(ctx, "/commit", handleRequest{HandleID: h.ID}, &out); err != nil {
		return settlement.CommitResult{}, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context, h settlement.Handle) (settlement.CommitResult, error) {
	return c.Commit(ctx, h)
}

func (c *Client) Reveal(ctx context.Context, h settlement.Handle) (settlement.RevealResult, error) {
	var out settlement.RevealResult
	if err := c.post(ctx, "/reveal", handleRequest{HandleID: h.ID}, &out); err != nil {
		return settlement.RevealResult{}, err
	}
	return out, nil
}

func (c *Client) Chunk(ctx context.Context, h settlement.Handle, tick int) (settlement.ChunkResult, error) {
	var out settlement.ChunkResult
	if err := c.post(ctx, "/stream/chunk", chunkRequest{HandleID: h.ID, Tick: tick}, &out); err != nil {
		return settlement.ChunkResult{}, err
	}
	return out, nil
}

// Credential fetches the provider's credential descriptor.
func (c *Client) Credential(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/credential", nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do executes the request and classifies failures: unreachable endpoints are
// PACT-401, 404 is the API-mismatch PACT-421, any other non-2xx is PACT-422.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return protocol.NewError(protocol.CodeProviderUnreachable, "provider unreachable: "+err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return protocol.NewError(protocol.CodeProviderAPIMismatch,
			fmt.Sprintf("provider API mismatch: 404 on %s", req.URL.Path))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return protocol.NewError(protocol.CodeProviderError,
			fmt.Sprintf("provider error: http %d on %s: %v", resp.StatusCode, req.URL.Path, errBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return protocol.NewError(protocol.CodeProviderError, "provider response malformed: "+err.Error())
	}
	return nil
}
