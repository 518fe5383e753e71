package validation

import (
	"strings"
	"testing"
)

type sample struct {
	Code  string   `validate:"required,pairing_code"`
	App   string   `validate:"required,app_name"`
	Caps  []string `validate:"required,min=1,dive,capability"`
	Owner string   `validate:"required,uuid"`
}

func TestStruct_Valid(t *testing.T) {
	s := sample{Code: "Q7K2M9", App: "Remote Cast_2", Caps: []string{"stream_control"}, Owner: "0b7c3d0e-8f4a-4f5e-9a43-2a1d2c3b4e5f"}
	if err := Struct(s); err != nil {
		t.Fatalf("Struct: %v", err)
	}
}

func TestStruct_Messages(t *testing.T) {
	s := sample{Code: "Q7K2M0", App: "bad!name", Caps: []string{"launch_missiles"}, Owner: "nope"}
	err := Struct(s)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"Code must be 6 characters", "App must be", "unknown capability", "Owner must be a valid UUID"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestVar(t *testing.T) {
	if err := Var("ABC123", "pairing_code"); err == nil {
		t.Error("ABC123 contains 1 which is outside the alphabet")
	}
	if err := Var("ABC234", "pairing_code"); err != nil {
		t.Errorf("ABC234: %v", err)
	}
}
