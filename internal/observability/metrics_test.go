package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/wsync/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordConnectAttempt("ws-metrics", OutcomeConnected)
	RecordReconnectDelay("ws-metrics", 2*time.Second)
	RecordSessionState("ws-metrics", 2)
	RecordFrame("ws-metrics", "op")
	RecordFrameDropped("ws-metrics", "malformed")
	RecordHandlerFailures("ws-metrics", 0)
	RecordHandlerFailures("ws-metrics", 2)
	RecordOpSent("ws-metrics", true)

	if got := testutil.ToFloat64(connectAttempts.WithLabelValues("ws-metrics", OutcomeConnected)); got != 1 {
		t.Fatalf("connect attempts got=%v", got)
	}
	if got := testutil.ToFloat64(handlerFailures.WithLabelValues("ws-metrics")); got != 2 {
		t.Fatalf("handler failures got=%v", got)
	}
	if got := testutil.ToFloat64(sessionState.WithLabelValues("ws-metrics")); got != 2 {
		t.Fatalf("session state got=%v", got)
	}
}

func TestHandlerExposesSessionMetrics(t *testing.T) {
	testlog.Start(t)
	RecordOpSent("ws-scrape", false)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("unexpected status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `wsync_session_ops_sent_total{success="false",workspace="ws-scrape"} 1`) {
		t.Fatalf("ops metric missing from scrape output")
	}
}
