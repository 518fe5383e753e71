package handler

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type stubPinger struct{ err error }

func (p stubPinger) PingContext(context.Context) error { return p.err }

type stubPolicy struct{ err error }

func (p stubPolicy) HealthCheck(context.Context) error { return p.err }

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		pinger Pinger
		policy PolicyChecker
		want   healthpb.HealthCheckResponse_ServingStatus
	}{
		{"no checks", nil, nil, healthpb.HealthCheckResponse_SERVING},
		{"all healthy", stubPinger{}, stubPolicy{}, healthpb.HealthCheckResponse_SERVING},
		{"database down", stubPinger{err: errors.New("refused")}, stubPolicy{}, healthpb.HealthCheckResponse_NOT_SERVING},
		{"policy broken", stubPinger{}, stubPolicy{err: errors.New("undefined decision")}, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(tt.pinger, tt.policy)
			resp, err := s.Check(context.Background(), &healthpb.HealthCheckRequest{})
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if resp.GetStatus() != tt.want {
				t.Errorf("status = %s, want %s", resp.GetStatus(), tt.want)
			}
		})
	}
}

func TestCheck_NamedService(t *testing.T) {
	s := NewServer(nil, nil)
	resp, err := s.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("Check(%s) = %v, %v", ServiceName, resp, err)
	}
	_, err = s.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "other"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("unknown service code = %s, want NotFound", status.Code(err))
	}
}

func TestReady_WrapsCause(t *testing.T) {
	cause := errors.New("refused")
	err := NewServer(stubPinger{err: cause}, nil).Ready(context.Background())
	if !errors.Is(err, cause) {
		t.Errorf("Ready error = %v, want wrapping %v", err, cause)
	}
}
