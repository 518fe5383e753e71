package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// PairingAlphabet excludes glyphs that are easy to misread (0/O, 1/I).
const PairingAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// DefaultPairingCodeLength is the length of human-typable pairing codes.
	DefaultPairingCodeLength = 6
	maxCodeAttempts          = 10
	// minEntropyPerSixChars is the minimum Shannon entropy (bits/char) of a 6-char code; scaled for other lengths.
	minEntropyPerSixChars = 2.0
	maxSequentialRun      = 3

	sessionTokenBytes = 32
	refreshTokenBytes = 48
	pairingTokenBytes = 32

	refreshTokenVersion = "v1"
	checksumHexLen      = 8
)

// ErrCodeGeneration is returned when no acceptable pairing code was produced within the attempt budget.
var ErrCodeGeneration = errors.New("security: could not generate an acceptable pairing code")

var b64 = base64.RawURLEncoding

// Generator produces pairing codes and opaque session, refresh and pairing credentials.
// All randomness comes from crypto/rand unless a reader is injected for tests.
type Generator struct {
	rand io.Reader
	nowF func() time.Time
}

// NewGenerator returns a Generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{rand: rand.Reader, nowF: time.Now}
}

// PairingCode returns a code of the given length (DefaultPairingCodeLength if <= 0).
// Codes with low entropy or sequential runs are discarded and regenerated.
func (g *Generator) PairingCode(length int) (string, error) {
	if length <= 0 {
		length = DefaultPairingCodeLength
	}
	alphabetLen := big.NewInt(int64(len(PairingAlphabet)))
	buf := make([]byte, length)
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		for i := range buf {
			n, err := rand.Int(g.rand, alphabetLen)
			if err != nil {
				return "", err
			}
			buf[i] = PairingAlphabet[n.Int64()]
		}
		code := string(buf)
		if acceptableCode(code) {
			return code, nil
		}
	}
	return "", ErrCodeGeneration
}

func acceptableCode(code string) bool {
	floor := minEntropyPerSixChars * math.Log2(float64(len(code))) / math.Log2(6)
	return ShannonEntropy(code) >= floor && !hasSequentialRun(code, maxSequentialRun)
}

// ShannonEntropy returns the per-character Shannon entropy of s in bits.
func ShannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	n := float64(len([]rune(s)))
	var h float64
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// hasSequentialRun reports whether code has run consecutive characters stepping +1 or -1 in alphabet order.
func hasSequentialRun(code string, run int) bool {
	if run < 2 || len(code) < run {
		return false
	}
	asc, desc := 1, 1
	for i := 1; i < len(code); i++ {
		prev := strings.IndexByte(PairingAlphabet, code[i-1])
		cur := strings.IndexByte(PairingAlphabet, code[i])
		switch {
		case prev >= 0 && cur == prev+1:
			asc, desc = asc+1, 1
		case prev >= 0 && cur == prev-1:
			asc, desc = 1, desc+1
		default:
			asc, desc = 1, 1
		}
		if asc >= run || desc >= run {
			return true
		}
	}
	return false
}

// SessionToken returns "<base36 unix millis>.<base64url random>".
func (g *Generator) SessionToken() (string, error) {
	body, err := g.randomString(sessionTokenBytes)
	if err != nil {
		return "", err
	}
	ts := strconv.FormatInt(g.nowF().UnixMilli(), 36)
	return ts + "." + body, nil
}

// RefreshToken returns "v1.<8 hex checksum>.<base64url random>".
func (g *Generator) RefreshToken() (string, error) {
	body, err := g.randomString(refreshTokenBytes)
	if err != nil {
		return "", err
	}
	return refreshTokenVersion + "." + refreshChecksum(body) + "." + body, nil
}

// PairingToken returns the opaque credential bound to a pairing code.
func (g *Generator) PairingToken() (string, error) {
	return g.randomString(pairingTokenBytes)
}

func (g *Generator) randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(g.rand, b); err != nil {
		return "", err
	}
	return b64.EncodeToString(b), nil
}

func refreshChecksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])[:checksumHexLen]
}

// ValidateTokenFormat reports whether token is structurally a session or refresh token.
// It says nothing about whether the token is live.
func ValidateTokenFormat(token string) bool {
	if strings.HasPrefix(token, refreshTokenVersion+".") {
		return ValidateRefreshTokenFormat(token)
	}
	return ValidateSessionTokenFormat(token)
}

// ValidateSessionTokenFormat checks the "<base36>.<base64url>" shape.
func ValidateSessionTokenFormat(token string) bool {
	ts, body, ok := strings.Cut(token, ".")
	if !ok || ts == "" || strings.Contains(body, ".") {
		return false
	}
	if _, err := strconv.ParseInt(ts, 36, 64); err != nil {
		return false
	}
	raw, err := b64.DecodeString(body)
	return err == nil && len(raw) == sessionTokenBytes
}

// ValidateRefreshTokenFormat checks version, checksum and body of a refresh token.
func ValidateRefreshTokenFormat(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != refreshTokenVersion || len(parts[1]) != checksumHexLen {
		return false
	}
	raw, err := b64.DecodeString(parts[2])
	if err != nil || len(raw) != refreshTokenBytes {
		return false
	}
	return parts[1] == refreshChecksum(parts[2])
}

// ValidatePairingCodeFormat checks length and alphabet of a normalized pairing code.
func ValidatePairingCodeFormat(code string) bool {
	if len(code) != DefaultPairingCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(PairingAlphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

// NormalizePairingCode trims and uppercases a user-entered code.
func NormalizePairingCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// SessionTokenAge returns how long ago a session token was minted, from its timestamp prefix.
func SessionTokenAge(token string, now time.Time) (time.Duration, bool) {
	if !ValidateSessionTokenFormat(token) {
		return 0, false
	}
	ts, _, _ := strings.Cut(token, ".")
	ms, _ := strconv.ParseInt(ts, 36, 64)
	return now.Sub(time.UnixMilli(ms)), true
}
