package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"sensorpipe/internal/wire"
)

// HTTPChunkSenderConfig configures HTTPChunkSender.
type HTTPChunkSenderConfig struct {
	URL     string
	Token   string
	Headers map[string]string
	Timeout time.Duration
}

// HTTPChunkSender is the production ChunkSender implementation: one POST
// per DataChunk to the server's ingest endpoint (spec section 6).
type HTTPChunkSender struct {
	cfg    HTTPChunkSenderConfig
	client *http.Client
}

// NewHTTPChunkSender creates a ChunkSender posting to cfg.URL.
func NewHTTPChunkSender(cfg HTTPChunkSenderConfig) *HTTPChunkSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPChunkSender{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

// SendChunk POSTs chunk as JSON. A non-2xx response is returned as an error.
func (s *HTTPChunkSender) SendChunk(ctx context.Context, chunk wire.DataChunk) error {
	body, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("transport: encode chunk: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: post chunk: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("transport: ingest rejected chunk (status %d): %s", resp.StatusCode, string(b))
	}
	return nil
}
