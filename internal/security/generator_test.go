package security

import (
	"strings"
	"testing"
	"time"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestPairingCode_AlphabetAndLength(t *testing.T) {
	g := NewGenerator()
	for i := 0; i < 200; i++ {
		code, err := g.PairingCode(0)
		if err != nil {
			t.Fatalf("PairingCode: %v", err)
		}
		if !ValidatePairingCodeFormat(code) {
			t.Fatalf("code %q fails format validation", code)
		}
		if strings.ContainsAny(code, "01OI") {
			t.Fatalf("code %q contains an ambiguous glyph", code)
		}
		if hasSequentialRun(code, maxSequentialRun) {
			t.Fatalf("code %q contains a sequential run", code)
		}
	}
}

func TestPairingCode_RejectsLowEntropyUntilBudgetExhausted(t *testing.T) {
	g := &Generator{rand: zeroReader{}, nowF: time.Now}
	if _, err := g.PairingCode(6); err != ErrCodeGeneration {
		t.Errorf("PairingCode with constant source: want ErrCodeGeneration, got %v", err)
	}
}

func TestAcceptableCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"Q7K2M9", true},
		{"Q7K2MQ", true},  // one repeat
		{"AAAAAA", false}, // no entropy
		{"QQKKM9", false}, // two pairs
		{"ABCQ7K", false}, // ascending run
		{"Q7ZYXK", false}, // descending run
		{"Z2QK7M", true},  // Z and 2 are adjacent in the alphabet, but only two in a row
	}
	for _, tt := range tests {
		if got := acceptableCode(tt.code); got != tt.want {
			t.Errorf("acceptableCode(%q) = %v, want %v (entropy %.3f)", tt.code, got, tt.want, ShannonEntropy(tt.code))
		}
	}
}

func TestSessionToken_Format(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewGenerator()
	g.nowF = func() time.Time { return now }

	tok, err := g.SessionToken()
	if err != nil {
		t.Fatalf("SessionToken: %v", err)
	}
	if !ValidateSessionTokenFormat(tok) || !ValidateTokenFormat(tok) {
		t.Fatalf("session token %q fails format validation", tok)
	}
	if ValidateRefreshTokenFormat(tok) {
		t.Error("session token must not pass as refresh token")
	}
	age, ok := SessionTokenAge(tok, now.Add(90*time.Second))
	if !ok || age != 90*time.Second {
		t.Errorf("SessionTokenAge = %v, %v; want 90s, true", age, ok)
	}

	other, _ := g.SessionToken()
	if other == tok {
		t.Error("two session tokens must differ")
	}
}

func TestRefreshToken_FormatAndChecksum(t *testing.T) {
	g := NewGenerator()
	tok, err := g.RefreshToken()
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if !strings.HasPrefix(tok, "v1.") {
		t.Fatalf("refresh token %q missing version prefix", tok)
	}
	if !ValidateRefreshTokenFormat(tok) || !ValidateTokenFormat(tok) {
		t.Fatalf("refresh token %q fails format validation", tok)
	}

	parts := strings.Split(tok, ".")
	tampered := parts[0] + "." + parts[1] + "." + flipFirst(parts[2])
	if ValidateRefreshTokenFormat(tampered) {
		t.Error("tampered body must fail checksum")
	}
	if ValidateRefreshTokenFormat("v2." + parts[1] + "." + parts[2]) {
		t.Error("unknown version must be rejected")
	}
}

func flipFirst(s string) string {
	if s[0] == 'A' {
		return "B" + s[1:]
	}
	return "A" + s[1:]
}

func TestValidateTokenFormat_Garbage(t *testing.T) {
	for _, tok := range []string{"", ".", "abc", "zz.", "!!.abc", "v1..", "v1.12345678.", "a.b.c", strings.Repeat("x", 500)} {
		if ValidateTokenFormat(tok) {
			t.Errorf("ValidateTokenFormat(%q) = true, want false", tok)
		}
	}
}

func TestNormalizePairingCode(t *testing.T) {
	if got := NormalizePairingCode("  abc123 "); got != "ABC123" {
		t.Errorf("NormalizePairingCode = %q, want %q", got, "ABC123")
	}
}

func TestPairingToken_Unique(t *testing.T) {
	g := NewGenerator()
	a, _ := g.PairingToken()
	b, _ := g.PairingToken()
	if a == "" || a == b {
		t.Errorf("pairing tokens must be non-empty and unique: %q %q", a, b)
	}
}
