package interceptors

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"remotecast/backend/internal/telemetry"
)

type observation struct {
	method, route string
	status        int
}

type fakeMetrics struct {
	mu  sync.Mutex
	obs []observation
}

func (m *fakeMetrics) ObserveHTTPRequest(method, route string, status int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs = append(m.obs, observation{method, route, status})
}

type chanEmitter struct{ events chan *telemetry.Event }

func (e *chanEmitter) Emit(_ context.Context, ev *telemetry.Event) error {
	e.events <- ev
	return nil
}

func TestTelemetry_ObservesAndEmits(t *testing.T) {
	metrics := &fakeMetrics{}
	emitter := &chanEmitter{events: make(chan *telemetry.Event, 4)}
	router := mux.NewRouter()
	router.Use(RequestContext, Telemetry(emitter, metrics, map[string]bool{"/metrics": true}, nil))
	router.HandleFunc("/api/v1/devices/{deviceId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/devices/abc", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if len(metrics.obs) != 2 {
		t.Fatalf("observations = %d, want 2", len(metrics.obs))
	}
	if got := metrics.obs[0]; got.route != "/api/v1/devices/{deviceId}" || got.status != http.StatusTeapot {
		t.Errorf("observation = %+v", got)
	}

	select {
	case ev := <-emitter.events:
		if ev.EventType != telemetry.EventHTTPRequest {
			t.Errorf("event type = %q", ev.EventType)
		}
		var meta map[string]any
		if err := json.Unmarshal(ev.Metadata, &meta); err != nil {
			t.Fatalf("metadata: %v", err)
		}
		if meta["route"] != "/api/v1/devices/{deviceId}" || meta["status_code"] != float64(http.StatusTeapot) {
			t.Errorf("metadata = %v", meta)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no telemetry event emitted")
	}
	select {
	case ev := <-emitter.events:
		t.Errorf("skipped route emitted %q", ev.EventType)
	case <-time.After(50 * time.Millisecond):
	}
}

type hijackable struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackable) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestStatusRecorder_PassesHijack(t *testing.T) {
	under := &hijackable{ResponseRecorder: httptest.NewRecorder()}
	rec := recorderFor(under)
	if _, _, err := rec.Hijack(); err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	if !under.hijacked {
		t.Error("underlying writer was not hijacked")
	}
	if rec.Status() != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want 101", rec.Status())
	}

	if _, _, err := recorderFor(httptest.NewRecorder()).Hijack(); err == nil {
		t.Error("Hijack on a plain recorder should fail")
	}
	if recorderFor(rec) != rec {
		t.Error("recorderFor should reuse an existing recorder")
	}
}

func TestTelemetryUnary(t *testing.T) {
	emitter := &chanEmitter{events: make(chan *telemetry.Event, 2)}
	interceptor := TelemetryUnary(emitter, map[string]bool{"/skip": true}, nil)
	handler := func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.Unavailable, "db down")
	}

	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler)
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("err = %v, want Unavailable passthrough", err)
	}
	select {
	case ev := <-emitter.events:
		var meta map[string]any
		if err := json.Unmarshal(ev.Metadata, &meta); err != nil {
			t.Fatalf("metadata: %v", err)
		}
		if meta["status_code"] != "Unavailable" || meta["client_ip"] != "unknown" {
			t.Errorf("metadata = %v", meta)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no telemetry event emitted")
	}

	_, _ = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/skip"}, func(context.Context, any) (any, error) {
		return nil, errors.New("x")
	})
	select {
	case <-emitter.events:
		t.Error("skipped method emitted")
	case <-time.After(50 * time.Millisecond):
	}
}
