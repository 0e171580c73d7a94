package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveHTTPRequestCountsErrors(t *testing.T) {
	before := testutil.ToFloat64(httpErrors.WithLabelValues("/api/v1/tasks", http.MethodPost))
	ObserveHTTPRequest("/api/v1/tasks", http.MethodPost, http.StatusInternalServerError, 20*time.Millisecond)
	ObserveHTTPRequest("/api/v1/tasks", http.MethodPost, http.StatusCreated, 10*time.Millisecond)

	after := testutil.ToFloat64(httpErrors.WithLabelValues("/api/v1/tasks", http.MethodPost))
	assert.Equal(t, before+1, after)
	assert.GreaterOrEqual(t, testutil.ToFloat64(httpRequests.WithLabelValues("/api/v1/tasks", http.MethodPost, "201")), 1.0)
}

func TestObserveHireAccumulatesSpend(t *testing.T) {
	before := testutil.ToFloat64(hireSpend.WithLabelValues("scout"))
	ObserveHire("COMPLETED", "", "scout", 1.5)
	ObserveHire("FAILED", "AgentTimeout", "scout", 0)

	assert.InDelta(t, before+1.5, testutil.ToFloat64(hireSpend.WithLabelValues("scout")), 1e-9)
}

func TestObserveHoldTracksOpenAmount(t *testing.T) {
	before := testutil.ToFloat64(escrowHeld)
	ObserveHold("HELD", 2, true)
	ObserveHold("RELEASED", 2, false)
	assert.InDelta(t, before, testutil.ToFloat64(escrowHeld), 1e-9)
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveLedger("HOLD", "CONFIRMED")
	SetQueueDepth(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `agentos_ledger_transactions_total{kind="HOLD",status="CONFIRMED"}`))
	assert.True(t, strings.Contains(text, "agentos_task_queue_depth 3"))
}
