// Package codec encodes and decodes the pairing payload carried by a QR code, a custom URI
// or an HTTPS deep link. It is pure: nothing here touches storage.
package codec

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"remotecast/backend/internal/security"
	"remotecast/backend/internal/validation"
)

const (
	// MaxPayloadBytes caps the JSON form so the QR code stays scannable.
	MaxPayloadBytes = 512
	maxRawBytes     = 2 * MaxPayloadBytes
	qrSize          = 256
	checksumLen     = 8
)

var (
	ErrInvalidPayload   = errors.New("invalid pairing payload")
	ErrPayloadTooLarge  = errors.New("pairing payload too large")
	ErrChecksumMismatch = errors.New("pairing payload checksum mismatch")
)

// Payload is the pairing payload. AppName and Version are optional only in URI encodings.
type Payload struct {
	Code      string    `json:"code" validate:"required,pairing_code"`
	UserID    string    `json:"userId" validate:"required,uuid"`
	AppName   string    `json:"appName" validate:"omitempty,app_name"`
	Version   string    `json:"version" validate:"omitempty,max=32"`
	Timestamp time.Time `json:"timestamp"`
	Checksum  string    `json:"checksum" validate:"omitempty,len=8,hexadecimal"`
}

// Rendered holds every encoding of one payload.
type Rendered struct {
	JSON     string `json:"json"`
	URI      string `json:"uri"`
	DeepLink string `json:"deepLink"`
	// QRCode is a PNG of the JSON form.
	QRCode []byte `json:"-"`
}

// QRDataURL returns the QR PNG as a data: URL for direct use in an <img> tag.
func (r *Rendered) QRDataURL() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(r.QRCode)
}

// Codec renders and parses pairing payloads for one URI scheme and deep-link base.
type Codec struct {
	scheme   string
	deepLink *url.URL
}

// New returns a Codec. scheme is the custom URI scheme (e.g. "app"); deepLinkBase is an https URL.
func New(scheme, deepLinkBase string) (*Codec, error) {
	u, err := url.Parse(deepLinkBase)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("codec: deep link base must be an https URL, got %q", deepLinkBase)
	}
	if scheme == "" {
		return nil, errors.New("codec: empty URI scheme")
	}
	return &Codec{scheme: strings.ToLower(scheme), deepLink: u}, nil
}

// Checksum returns the first 8 hex characters of SHA-256(code + userID).
func Checksum(code, userID string) string {
	sum := sha256.Sum256([]byte(code + userID))
	return hex.EncodeToString(sum[:])[:checksumLen]
}

// Encode validates p, stamps its checksum and renders every encoding.
func (c *Codec) Encode(p Payload) (*Rendered, error) {
	p.Code = security.NormalizePairingCode(p.Code)
	if p.AppName == "" || p.Version == "" {
		return nil, fmt.Errorf("%w: appName and version are required", ErrInvalidPayload)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	p.Timestamp = p.Timestamp.UTC().Truncate(time.Millisecond)
	p.Checksum = Checksum(p.Code, p.UserID)
	if err := validation.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if len(raw) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	png, err := qrcode.Encode(string(raw), qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}

	q := p.query()
	uri := url.URL{Scheme: c.scheme, Host: "pair", RawQuery: q.Encode()}
	link := *c.deepLink
	link.RawQuery = q.Encode()
	return &Rendered{JSON: string(raw), URI: uri.String(), DeepLink: link.String(), QRCode: png}, nil
}

func (p Payload) query() url.Values {
	q := url.Values{}
	q.Set("code", p.Code)
	q.Set("userId", p.UserID)
	q.Set("app", p.AppName)
	q.Set("version", p.Version)
	q.Set("checksum", p.Checksum)
	if !p.Timestamp.IsZero() {
		q.Set("ts", p.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	return q
}

// Decode parses a JSON payload, a custom-scheme URI or an HTTPS deep link.
// The JSON form must carry a matching checksum; URI forms are checked when they carry one.
func (c *Codec) Decode(raw string) (*Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidPayload
	}
	if len(raw) > maxRawBytes {
		return nil, ErrPayloadTooLarge
	}

	var (
		p               *Payload
		requireChecksum bool
		err             error
	)
	if strings.HasPrefix(raw, "{") {
		p, err = decodeJSON(raw)
		requireChecksum = true
	} else {
		p, err = c.decodeURL(raw)
	}
	if err != nil {
		return nil, err
	}

	p.Code = security.NormalizePairingCode(p.Code)
	p.Checksum = strings.ToLower(p.Checksum)
	if err := validation.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if requireChecksum && (p.AppName == "" || p.Version == "" || p.Checksum == "") {
		return nil, fmt.Errorf("%w: appName, version and checksum are required", ErrInvalidPayload)
	}
	if p.Checksum != "" {
		want := Checksum(p.Code, p.UserID)
		if subtle.ConstantTimeCompare([]byte(p.Checksum), []byte(want)) != 1 {
			return nil, ErrChecksumMismatch
		}
	}
	return p, nil
}

func decodeJSON(raw string) (*Payload, error) {
	if len(raw) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &p, nil
}

func (c *Codec) decodeURL(raw string) (*Payload, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	switch {
	case strings.EqualFold(u.Scheme, c.scheme) && u.Host == "pair":
	case u.Scheme == "https" && strings.EqualFold(u.Host, c.deepLink.Host) &&
		strings.TrimSuffix(u.Path, "/") == strings.TrimSuffix(c.deepLink.Path, "/"):
	default:
		return nil, fmt.Errorf("%w: unsupported link %s://%s%s", ErrInvalidPayload, u.Scheme, u.Host, u.Path)
	}
	q := u.Query()
	p := &Payload{
		Code:     q.Get("code"),
		UserID:   q.Get("userId"),
		AppName:  q.Get("app"),
		Version:  q.Get("version"),
		Checksum: q.Get("checksum"),
	}
	if ts := q.Get("ts"); ts != "" {
		if p.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("%w: bad timestamp", ErrInvalidPayload)
		}
	}
	return p, nil
}
