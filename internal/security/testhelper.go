package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"time"
)

// Test issuer and audience used by NewTestTokenProvider.
const (
	TestIssuer   = "test-issuer"
	TestAudience = "test-audience"
)

var testKeys = sync.OnceValues(func() (string, string) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic("security: generate test key: " + err.Error())
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		panic("security: marshal test key: " + err.Error())
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		panic("security: marshal test public key: " + err.Error())
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
})

// TestKeyPEM returns a PEM-encoded ES256 key pair generated once per process. For tests only.
func TestKeyPEM() (privatePEM, publicPEM string) { return testKeys() }

// NewTestTokenProvider returns a signing TokenProvider over TestKeyPEM with TestIssuer and
// TestAudience. For tests only.
func NewTestTokenProvider() (*TokenProvider, error) {
	priv, pub := TestKeyPEM()
	return LoadTokenProvider(priv, pub, TestIssuer, TestAudience, 15*time.Minute)
}
