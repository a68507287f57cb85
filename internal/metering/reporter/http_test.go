package reporter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/creditmeter/internal/config"
	meteringdomain "github.com/smallbiznis/creditmeter/internal/metering/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRequest() meteringdomain.ReportRequest {
	return meteringdomain.ReportRequest{
		IdempotencyKey: "abc123",
		Quantity:       13,
		PeriodStart:    time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:      time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestHTTPReportUsage(t *testing.T) {
	var got reportPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "abc123", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(reportResponse{EventID: "evt-42"})
	}))
	defer srv.Close()

	r := NewHTTP(config.ReporterConfig{
		Endpoint:       srv.URL,
		AuthToken:      "secret",
		TimeoutSeconds: 5,
	}, zap.NewNop())

	ack, err := r.ReportUsage(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "evt-42", ack.ExternalEventID)
	assert.Equal(t, int64(13), got.Quantity)
	assert.Equal(t, "abc123", got.IdempotencyKey)
}

func TestHTTPReportUsageServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewHTTP(config.ReporterConfig{Endpoint: srv.URL, TimeoutSeconds: 5}, zap.NewNop())
	_, err := r.ReportUsage(context.Background(), testRequest())
	assert.Error(t, err)
}

func TestHTTPReportUsageMissingEventID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	r := NewHTTP(config.ReporterConfig{Endpoint: srv.URL, TimeoutSeconds: 5}, zap.NewNop())
	_, err := r.ReportUsage(context.Background(), testRequest())
	assert.Error(t, err)
}

func TestLoggingReporterAcksLocally(t *testing.T) {
	r := NewLogging(zap.NewNop())
	ack, err := r.ReportUsage(context.Background(), testRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, ack.ExternalEventID)
}
