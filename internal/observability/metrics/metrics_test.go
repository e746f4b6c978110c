package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveRequestAggregatesByLabel(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/healthz", http.StatusOK, 10*time.Millisecond)
	recorder.ObserveRequest("GET", "/healthz", http.StatusOK, 30*time.Millisecond)
	recorder.ObserveRequest("GET", "/api/rooms", http.StatusOK, 5*time.Millisecond)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	if !strings.Contains(body, `velostream_http_requests_total{method="GET",path="/healthz",status="200"} 2`) {
		t.Fatalf("expected aggregated healthz counter, got %q", body)
	}
	if !strings.Contains(body, `velostream_http_requests_total{method="GET",path="/api/rooms",status="200"} 1`) {
		t.Fatalf("expected rooms counter, got %q", body)
	}
	if !strings.Contains(body, `velostream_http_request_duration_seconds_sum{method="GET",path="/healthz",status="200"} 0.040000`) {
		t.Fatalf("expected summed durations, got %q", body)
	}
}

func TestRoomGaugeNeverGoesNegative(t *testing.T) {
	recorder := New()
	recorder.RoomOpened()
	recorder.RoomClosed()
	recorder.RoomClosed()

	if got := recorder.ActiveRooms(); got != 0 {
		t.Fatalf("expected gauge clamped at zero, got %d", got)
	}

	counts := recorder.RoomEventCounts()
	if counts["created"] != 1 {
		t.Fatalf("expected one created event, got %d", counts["created"])
	}
	if counts["closed"] != 2 {
		t.Fatalf("expected two closed events, got %d", counts["closed"])
	}
}

func TestRoomEventNamesAreNormalized(t *testing.T) {
	recorder := New()
	recorder.ObserveRoomEvent("  Grace Expired ")
	recorder.ObserveRoomEvent("")

	counts := recorder.RoomEventCounts()
	if counts["grace_expired"] != 1 {
		t.Fatalf("expected normalized event name, got %v", counts)
	}
	if counts["unknown"] != 1 {
		t.Fatalf("expected empty names to map to unknown, got %v", counts)
	}
}

func TestWriteRendersWorkerLoadAndRestarts(t *testing.T) {
	recorder := New()
	recorder.SetWorkerLoad(1, 2, 7, 3)
	recorder.SetWorkerLoad(0, 1, 0, 1)
	recorder.WorkerRestarted(1)
	recorder.BridgeCreated()
	recorder.LimiterBlocked()

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	for _, expected := range []string{
		`velostream_worker_load{worker="0",kind="producers"} 1`,
		`velostream_worker_load{worker="1",kind="consumers"} 7`,
		`velostream_worker_load{worker="1",kind="routers"} 3`,
		`velostream_worker_restarts_total{worker="1"} 1`,
		`velostream_bridges_created_total 1`,
		`velostream_limiter_blocks_total 1`,
	} {
		if !strings.Contains(body, expected) {
			t.Fatalf("expected metrics output to contain %q, got %q", expected, body)
		}
	}

	// Worker gauges must render in slot order for stable scrapes.
	if strings.Index(body, `worker="0"`) > strings.Index(body, `worker="1"`) {
		t.Fatalf("expected worker gauges sorted by index, got %q", body)
	}
}

func TestHandlerServesTextFormat(t *testing.T) {
	recorder := New()
	recorder.ObserveSignalEvent("join-room")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, req)

	if contentType := rr.Header().Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("expected text/plain content type, got %q", contentType)
	}
	if !strings.Contains(rr.Body.String(), `velostream_signal_events_total{event="join-room"} 1`) {
		t.Fatalf("expected signal event counter, got %q", rr.Body.String())
	}
}

func TestResetClearsAllSeries(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("GET", "/healthz", http.StatusOK, time.Millisecond)
	recorder.RoomOpened()
	recorder.ConnOpened()
	recorder.BridgeCreated()
	recorder.Reset()

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	if strings.Contains(body, "velostream_http_requests_total{") {
		t.Fatalf("expected request series cleared, got %q", body)
	}
	if !strings.Contains(body, "velostream_active_rooms 0") {
		t.Fatalf("expected room gauge reset, got %q", body)
	}
	if !strings.Contains(body, "velostream_bridges_created_total 0") {
		t.Fatalf("expected bridge counter reset, got %q", body)
	}
}
