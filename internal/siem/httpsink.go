package siem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/authgateway/gateway/infrastructure/httputil"
	"github.com/authgateway/gateway/internal/audit"
)

// HTTPSinkConfig points an HTTPSink at one webhook-style SIEM endpoint.
type HTTPSinkConfig struct {
	SinkID      string
	Endpoint    string
	BearerToken string
	Client      *http.Client // defaults to a 10s-timeout client
	MaxPayload  int          // default 1 << 20 (1 MiB)
}

// HTTPSink ships batches as a newline-delimited-JSON POST body, the
// conventional shape for SIEM HTTP event collectors (Splunk HEC, generic
// webhook ingesters). It implements Sink.
type HTTPSink struct {
	cfg    HTTPSinkConfig
	client *http.Client
}

func NewHTTPSink(cfg HTTPSinkConfig) *HTTPSink {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = 1 << 20
	}
	return &HTTPSink{
		cfg:    cfg,
		client: httputil.CopyHTTPClientWithTimeout(cfg.Client, 10*time.Second, false),
	}
}

func (s *HTTPSink) ID() string { return s.cfg.SinkID }

func (s *HTTPSink) SupportsBatch() bool { return true }
func (s *HTTPSink) MaxPayloadSize() int { return s.cfg.MaxPayload }

func (s *HTTPSink) SendBatch(ctx context.Context, records []audit.Record) (int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return 0, fmt.Errorf("encode audit record %s: %w", rec.ID, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, &buf)
	if err != nil {
		return 0, fmt.Errorf("build siem request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if s.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.BearerToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("siem shipment request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("siem endpoint returned status %d", resp.StatusCode)
	}
	return len(records), nil
}

func (s *HTTPSink) Health(ctx context.Context) SinkHealth {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.cfg.Endpoint, nil)
	if err != nil {
		return SinkHealth{Status: SinkUnhealthy, Reason: err.Error()}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return SinkHealth{Status: SinkUnhealthy, Reason: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return SinkHealth{Status: SinkDegraded, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return SinkHealth{Status: SinkHealthy}
}
