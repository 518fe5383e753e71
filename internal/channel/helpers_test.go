package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	devicedomain "remotecast/backend/internal/device/domain"
	devicerepo "remotecast/backend/internal/device/repository"
	"remotecast/backend/internal/gateway"
	"remotecast/backend/internal/policy/engine"
	"remotecast/backend/internal/security"
	sessionrepo "remotecast/backend/internal/session/repository"
	sessionservice "remotecast/backend/internal/session/service"
	"remotecast/backend/internal/stream"
)

const readTimeout = 2 * time.Second

// fakeTransport is an in-memory Transport. Tests push inbound frames and read outbound ones.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	closeFrame bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case m := <-f.in:
		return websocket.TextMessage, m, nil
	case <-f.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeTransport) WriteMessage(mt int, data []byte) error {
	if mt == websocket.PingMessage {
		return nil
	}
	select {
	case <-f.closed:
		return errors.New("transport closed")
	default:
	}
	b := make([]byte, len(data))
	copy(b, data)
	f.out <- b
	return nil
}

func (f *fakeTransport) WriteControl(mt int, _ []byte, _ time.Time) error {
	if mt == websocket.CloseMessage {
		f.mu.Lock()
		f.closeFrame = true
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeTransport) SetReadLimit(int64)                {}
func (f *fakeTransport) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeTransport) SetPongHandler(func(string) error) {}
func (f *fakeTransport) Close() error                      { f.once.Do(func() { close(f.closed) }); return nil }
func (f *fakeTransport) sentCloseFrame() bool              { f.mu.Lock(); defer f.mu.Unlock(); return f.closeFrame }

type received struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"requestId"`
}

func (r received) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Data, v))
}

func (f *fakeTransport) send(t *testing.T, msgType, requestID string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	b, err := json.Marshal(Inbound{Type: msgType, Data: raw, RequestID: requestID})
	require.NoError(t, err)
	f.in <- b
}

func (f *fakeTransport) next(t *testing.T) received {
	t.Helper()
	select {
	case b := <-f.out:
		var r received
		require.NoError(t, json.Unmarshal(b, &r))
		return r
	case <-time.After(readTimeout):
		t.Fatal("timed out waiting for an outbound message")
		return received{}
	}
}

// expect returns the next message of msgType, skipping state-change broadcasts.
func (f *fakeTransport) expect(t *testing.T, msgType string) received {
	t.Helper()
	for {
		r := f.next(t)
		if r.Type == stream.MsgStreamStateChanged || r.Type == stream.MsgPiPStateChanged {
			continue
		}
		require.Equal(t, msgType, r.Type, "unexpected message: %s", string(r.Data))
		return r
	}
}

func (f *fakeTransport) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(readTimeout):
		t.Fatal("transport was not closed")
	}
}

type countingMetrics struct {
	mu       sync.Mutex
	opened   int
	closed   int
	messages map[string]int
}

func (m *countingMetrics) ConnectionOpened() { m.mu.Lock(); m.opened++; m.mu.Unlock() }
func (m *countingMetrics) ConnectionClosed() { m.mu.Lock(); m.closed++; m.mu.Unlock() }
func (m *countingMetrics) MessageHandled(msgType, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messages == nil {
		m.messages = make(map[string]int)
	}
	m.messages[msgType+"/"+outcome]++
}

func (m *countingMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[key]
}

type harness struct {
	svc      *Service
	store    *sessionservice.Store
	devices  *devicerepo.MemoryRepository
	executor *stream.Executor
	metrics  *countingMetrics
	issued   *sessionservice.Issued
	deviceID string
	userID   string
}

func newHarness(t *testing.T, caps ...devicedomain.Capability) *harness {
	t.Helper()
	if len(caps) == 0 {
		caps = []devicedomain.Capability{devicedomain.CapabilityStreamControl}
	}
	ctx := context.Background()
	devices := devicerepo.NewMemoryRepository()
	require.NoError(t, devices.Save(ctx, &devicedomain.Device{
		ID: "device-1", UserID: "user-1", Name: "Pixel", Capabilities: caps, IsPaired: true,
	}))
	store := sessionservice.NewStore(sessionrepo.NewMemoryRepository(), devices, security.NewGenerator(),
		sessionservice.Config{}, nil, nil, nil)
	issued, err := store.Create(ctx, "device-1", "user-1", caps, 0)
	require.NoError(t, err)

	policy, err := engine.NewOPAEvaluator(ctx, "", nil)
	require.NoError(t, err)
	hub := NewHub(nil)
	executor := stream.NewExecutor(hub, nil)
	metrics := &countingMetrics{}
	svc := NewService(Deps{
		Gateway:  gateway.New(store, devices, security.NewHasher(4), gateway.Config{}, nil, nil, nil),
		Sessions: store,
		Devices:  devices,
		Executor: executor,
		Status:   executor,
		Policy:   policy,
		Hub:      hub,
		Metrics:  metrics,
	}, Config{})
	return &harness{
		svc: svc, store: store, devices: devices, executor: executor, metrics: metrics,
		issued: issued, deviceID: "device-1", userID: "user-1",
	}
}

func (h *harness) handshake() gateway.Handshake {
	return gateway.Handshake{SessionToken: h.issued.Token, DeviceID: h.deviceID, RemoteAddr: "10.0.0.7"}
}

// connect serves a fake connection and returns it with a channel closed when Serve returns.
func (h *harness) connect(t *testing.T, hs gateway.Handshake) (*fakeTransport, <-chan struct{}) {
	t.Helper()
	ft := newFakeTransport()
	done := make(chan struct{})
	go func() {
		h.svc.Serve(context.Background(), ft, hs)
		close(done)
	}()
	t.Cleanup(func() {
		_ = ft.Close()
		select {
		case <-done:
		case <-time.After(readTimeout):
			t.Error("Serve did not return")
		}
	})
	return ft, done
}

func pause() CommandData {
	return CommandData{Type: string(devicedomain.CommandPause), Parameters: map[string]any{}}
}
