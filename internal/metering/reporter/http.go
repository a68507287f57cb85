// Package reporter carries the concrete deliveries toward the external
// usage-billing processor.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/smallbiznis/creditmeter/internal/config"
	meteringdomain "github.com/smallbiznis/creditmeter/internal/metering/domain"
	"go.uber.org/zap"
)

// HTTP posts usage batches as JSON. The idempotency key travels both in the
// body and in a header so the processor can deduplicate before parsing.
type HTTP struct {
	endpoint  string
	authToken string
	client    *http.Client
	log       *zap.Logger
}

func NewHTTP(cfg config.ReporterConfig, log *zap.Logger) *HTTP {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{
		endpoint:  cfg.Endpoint,
		authToken: cfg.AuthToken,
		client:    &http.Client{Timeout: timeout},
		log:       log.Named("metering.reporter"),
	}
}

type reportPayload struct {
	IdempotencyKey string    `json:"idempotency_key"`
	Quantity       int64     `json:"quantity"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
}

type reportResponse struct {
	EventID string `json:"event_id"`
}

func (r *HTTP) ReportUsage(ctx context.Context, req meteringdomain.ReportRequest) (*meteringdomain.ReportAck, error) {
	payload, err := json.Marshal(reportPayload{
		IdempotencyKey: req.IdempotencyKey,
		Quantity:       req.Quantity,
		PeriodStart:    req.PeriodStart,
		PeriodEnd:      req.PeriodEnd,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if r.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.authToken)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("usage processor returned status %d", resp.StatusCode)
	}

	var ack reportResponse
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("decode usage processor response: %w", err)
	}
	if ack.EventID == "" {
		return nil, fmt.Errorf("usage processor response missing event id")
	}
	return &meteringdomain.ReportAck{ExternalEventID: ack.EventID}, nil
}
