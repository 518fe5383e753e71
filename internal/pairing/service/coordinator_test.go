package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remotecast/backend/internal/apperror"
	"remotecast/backend/internal/audit"
	auditdomain "remotecast/backend/internal/audit/domain"
	auditrepo "remotecast/backend/internal/audit/repository"
	devicedomain "remotecast/backend/internal/device/domain"
	devicerepo "remotecast/backend/internal/device/repository"
	"remotecast/backend/internal/pairing/codec"
	"remotecast/backend/internal/pairing/domain"
	"remotecast/backend/internal/pairing/repository"
	"remotecast/backend/internal/ratelimit"
	"remotecast/backend/internal/security"
	sessionrepo "remotecast/backend/internal/session/repository"
	sessionservice "remotecast/backend/internal/session/service"
)

const userID = "5f1c9a4e-2b7d-4e8a-9c3f-6d2e1a0b7c44"

// fakeCodes returns the given codes in order, then falls back to the real generator.
type fakeCodes struct {
	mu    sync.Mutex
	codes []string
	calls int32
	real  *security.Generator
}

func (f *fakeCodes) PairingCode(length int) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.codes) > 0 {
		c := f.codes[0]
		f.codes = f.codes[1:]
		return c, nil
	}
	return f.real.PairingCode(length)
}

func (f *fakeCodes) PairingToken() (string, error) { return f.real.PairingToken() }

type fixture struct {
	coord    *Coordinator
	tokens   *repository.MemoryRepository
	devices  *devicerepo.MemoryRepository
	sessions *sessionservice.Store
	audit    *auditrepo.MemoryRepository
	codes    *fakeCodes
	now      time.Time
}

func newFixture(t *testing.T, codes ...string) *fixture {
	t.Helper()
	f := &fixture{
		tokens:  repository.NewMemoryRepository(),
		devices: devicerepo.NewMemoryRepository(),
		audit:   auditrepo.NewMemoryRepository(0),
		codes:   &fakeCodes{codes: codes, real: security.NewGenerator()},
		now:     time.Now().UTC(),
	}
	auditLogger := audit.NewLogger(f.audit, nil, nil)
	f.sessions = sessionservice.NewStore(sessionrepo.NewMemoryRepository(), f.devices, security.NewGenerator(),
		sessionservice.Config{}, auditLogger, nil, nil)
	limiter := ratelimit.NewMemory(0)
	t.Cleanup(func() { _ = limiter.Close() })
	cdc, err := codec.New("app", "https://remotecast.app/pair")
	require.NoError(t, err)

	f.coord = NewCoordinator(Deps{
		Tokens:    f.tokens,
		Devices:   f.devices,
		Sessions:  f.sessions,
		Limiter:   limiter,
		Generator: f.codes,
		Codec:     cdc,
		Hasher:    security.NewHasher(4),
		Audit:     auditLogger,
	}, Config{AppName: "RemoteCast", AppVersion: "1.0.0"})
	f.coord.nowF = func() time.Time { return f.now }
	return f
}

func phoneInfo(caps ...devicedomain.Capability) domain.DeviceInfo {
	if len(caps) == 0 {
		caps = []devicedomain.Capability{devicedomain.CapabilityStreamControl}
	}
	return domain.DeviceInfo{Name: "Ana's phone", Model: "Pixel 9", OS: domain.OSAndroid, OSVersion: "15", AppVersion: "1.0.0", Capabilities: caps}
}

func TestIssue_RendersPayload(t *testing.T) {
	f := newFixture(t, "Q7K2M9")
	issued, err := f.coord.IssuePairingCode(context.Background(), userID, phoneInfo())
	require.NoError(t, err)
	assert.Equal(t, "Q7K2M9", issued.Code)
	assert.Equal(t, f.now.Add(DefaultCodeTTL), issued.ExpiresAt)
	assert.Contains(t, issued.Payload.URI, "code=Q7K2M9")
	assert.NotEmpty(t, issued.Payload.QRCode)
}

func TestIssue_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := phoneInfo()
	bad.OS = "windows"
	_, err := f.coord.IssuePairingCode(ctx, userID, bad)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	bad = phoneInfo()
	bad.Capabilities = []devicedomain.Capability{"teleport"}
	_, err = f.coord.IssuePairingCode(ctx, userID, bad)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	bad = phoneInfo()
	bad.Name = ""
	_, err = f.coord.IssuePairingCode(ctx, userID, bad)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	_, err = f.coord.IssuePairingCode(ctx, "", phoneInfo())
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestRedeem_ExactlyOnce(t *testing.T) {
	f := newFixture(t, "Q7K2M9")
	ctx := context.Background()
	_, err := f.coord.IssuePairingCode(ctx, userID, phoneInfo())
	require.NoError(t, err)

	res, err := f.coord.RedeemPairingCode(ctx, "Q7K2M9")
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Equal(t, userID, res.UserID)
	assert.Equal(t, "Pixel 9", res.DeviceInfo.Model)
	assert.NotEmpty(t, res.Token)

	res, err = f.coord.RedeemPairingCode(ctx, "Q7K2M9")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, MsgUsedCode, res.Error)
	assert.Equal(t, apperror.KindAlreadyUsed, apperror.KindOf(res.Err))
}

func TestRedeem_CaseInsensitive(t *testing.T) {
	f := newFixture(t, "Q7K2M9")
	ctx := context.Background()
	_, err := f.coord.IssuePairingCode(ctx, userID, phoneInfo())
	require.NoError(t, err)

	res, err := f.coord.RedeemPairingCode(ctx, " q7k2m9 ")
	require.NoError(t, err)
	assert.True(t, res.Valid)

	// Codes are compared after normalization only, so any stored code matches its lowercase form.
	require.NoError(t, f.tokens.Create(ctx, &domain.PairingToken{
		ID: "tok-abc", Code: "ABC123", Token: "secret", UserID: userID, DeviceInfo: phoneInfo(),
		ExpiresAt: f.now.Add(time.Minute), CreatedAt: f.now,
	}))
	res, err = f.coord.RedeemPairingCode(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestRedeem_UnknownCode(t *testing.T) {
	f := newFixture(t)
	for _, code := range []string{"ZZZZZZ", "", "THIS-IS-MUCH-TOO-LONG"} {
		res, err := f.coord.RedeemPairingCode(context.Background(), code)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, MsgInvalidCode, res.Error)
	}
}

func TestRedeem_ExpiredCodeStaysUnused(t *testing.T) {
	f := newFixture(t, "Q7K2M9")
	ctx := context.Background()
	_, err := f.coord.IssuePairingCode(ctx, userID, phoneInfo())
	require.NoError(t, err)

	f.now = f.now.Add(DefaultCodeTTL + time.Second)
	res, err := f.coord.RedeemPairingCode(ctx, "Q7K2M9")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, MsgExpiredCode, res.Error)

	stored, err := f.tokens.GetByCode(ctx, "Q7K2M9")
	require.NoError(t, err)
	assert.False(t, stored.IsUsed)
}

func TestRedeem_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, "Q7K2M9")
	ctx := context.Background()
	_, err := f.coord.IssuePairingCode(ctx, userID, phoneInfo())
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		wins  int32
		fails int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.coord.RedeemPairingCode(ctx, "Q7K2M9")
			if err != nil {
				return
			}
			if res.Valid {
				atomic.AddInt32(&wins, 1)
			} else if res.Error == MsgUsedCode {
				atomic.AddInt32(&fails, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins)
	assert.EqualValues(t, 31, fails)
}

func TestIssue_RateLimitAndSuspicious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < DefaultRateLimit; i++ {
		_, err := f.coord.IssuePairingCode(ctx, userID, phoneInfo())
		require.NoError(t, err, "issuance %d", i+1)
	}
	_, err := f.coord.IssuePairingCode(ctx, userID, phoneInfo())
	assert.Equal(t, apperror.KindRateLimit, apperror.KindOf(err), "the first issuance over the limit must fail")
	assert.EqualValues(t, DefaultRateLimit, atomic.LoadInt32(&f.codes.calls), "no token may be generated on rejection")

	hasSuspicious := func() bool {
		entries, _ := f.audit.ListByUser(ctx, userID, 0)
		for _, e := range entries {
			if e.Action == auditdomain.ActionSuspiciousActivity {
				return true
			}
		}
		return false
	}
	for i := DefaultRateLimit + 2; i <= DefaultSuspiciousThreshold; i++ {
		_, _ = f.coord.IssuePairingCode(ctx, userID, phoneInfo())
	}
	assert.False(t, hasSuspicious(), "threshold not yet exceeded")
	_, err = f.coord.IssuePairingCode(ctx, userID, phoneInfo())
	assert.Equal(t, apperror.KindRateLimit, apperror.KindOf(err))
	assert.True(t, hasSuspicious())
}

func TestIssue_RetriesCodeCollision(t *testing.T) {
	f := newFixture(t, "Q7K2M9", "Q7K2M9", "H4PX8R")
	ctx := context.Background()

	first, err := f.coord.IssuePairingCode(ctx, userID, phoneInfo())
	require.NoError(t, err)
	second, err := f.coord.IssuePairingCode(ctx, userID, phoneInfo())
	require.NoError(t, err)
	assert.Equal(t, "Q7K2M9", first.Code)
	assert.Equal(t, "H4PX8R", second.Code)
}

func TestCompletePairing_CreatesDeviceAndSession(t *testing.T) {
	f := newFixture(t, "Q7K2M9")
	ctx := context.Background()
	_, err := f.coord.IssuePairingCode(ctx, userID, phoneInfo(devicedomain.CapabilityStreamControl, devicedomain.CapabilityPiPControl))
	require.NoError(t, err)

	res, err := f.coord.CompletePairing(ctx, PairRequest{Code: "q7k2m9", DeviceID: "device-1", Fingerprint: "fp-1",
		Capabilities: []devicedomain.Capability{devicedomain.CapabilityStreamControl}})
	require.NoError(t, err)
	assert.Equal(t, "device-1", res.Device.ID)
	assert.Equal(t, []devicedomain.Capability{devicedomain.CapabilityStreamControl}, res.Capabilities)

	dev, err := f.devices.GetByID(ctx, "device-1")
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.True(t, dev.IsPaired)
	assert.Equal(t, userID, dev.UserID)
	assert.NoError(t, security.NewHasher(4).Compare(dev.FingerprintHash, []byte("fp-1")))

	v, err := f.sessions.Validate(ctx, res.SessionToken)
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestCompletePairing_RejectsForeignDevice(t *testing.T) {
	f := newFixture(t, "Q7K2M9")
	ctx := context.Background()
	require.NoError(t, f.devices.Save(ctx, &devicedomain.Device{ID: "device-1", UserID: "someone-else", IsPaired: true}))
	_, err := f.coord.IssuePairingCode(ctx, userID, phoneInfo())
	require.NoError(t, err)

	_, err = f.coord.CompletePairing(ctx, PairRequest{Code: "Q7K2M9", DeviceID: "device-1"})
	assert.Equal(t, apperror.KindDeviceMismatch, apperror.KindOf(err))
	assert.Equal(t, apperror.GenericAuthMessage, apperror.PublicMessage(err))
}

// failingCreate is a session store whose Create always fails.
type failingCreate struct {
	*sessionservice.Store
}

func (failingCreate) Create(context.Context, string, string, []devicedomain.Capability, time.Duration) (*sessionservice.Issued, error) {
	return nil, apperror.Unavailable(errors.New("session store down"))
}

func TestCompletePairing_FailureAfterRedeemConsumesCode(t *testing.T) {
	f := newFixture(t, "Q7K2M9")
	ctx := context.Background()
	f.coord.Sessions = failingCreate{f.sessions}
	_, err := f.coord.IssuePairingCode(ctx, userID, phoneInfo())
	require.NoError(t, err)

	_, err = f.coord.CompletePairing(ctx, PairRequest{Code: "Q7K2M9", DeviceID: "device-1"})
	assert.Equal(t, apperror.KindUnavailable, apperror.KindOf(err))

	res, err := f.coord.RedeemPairingCode(ctx, "Q7K2M9")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, MsgUsedCode, res.Error)

	logs, err := f.audit.ListByUser(ctx, userID, 50)
	require.NoError(t, err)
	var consumed bool
	for _, l := range logs {
		if l.Action == auditdomain.ActionPairingRejected && strings.Contains(l.Metadata, `"code_consumed":true`) {
			consumed = true
			assert.Contains(t, l.Metadata, `"step":"session"`)
		}
	}
	assert.True(t, consumed, "abandoned redemption should be audited")
}

func TestCompletePairing_InvalidCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.CompletePairing(context.Background(), PairRequest{Code: "ZZZZZZ"})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestUnpairDevice_RevokesSessions(t *testing.T) {
	f := newFixture(t, "Q7K2M9")
	ctx := context.Background()
	_, err := f.coord.IssuePairingCode(ctx, userID, phoneInfo())
	require.NoError(t, err)
	res, err := f.coord.CompletePairing(ctx, PairRequest{Code: "Q7K2M9", DeviceID: "device-1"})
	require.NoError(t, err)

	assert.Equal(t, apperror.KindValidation, apperror.KindOf(f.coord.UnpairDevice(ctx, "intruder", "device-1")))
	require.NoError(t, f.coord.UnpairDevice(ctx, userID, "device-1"))

	v, err := f.sessions.Validate(ctx, res.SessionToken)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	devices, err := f.coord.ListDevices(ctx, userID)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.False(t, devices[0].IsPaired)
}

func TestCleanup_ExpiresThenDeletes(t *testing.T) {
	f := newFixture(t, "Q7K2M9")
	ctx := context.Background()
	_, err := f.coord.IssuePairingCode(ctx, userID, phoneInfo())
	require.NoError(t, err)

	f.now = f.now.Add(DefaultCodeTTL + time.Minute)
	res, err := f.coord.CleanupExpiredTokensAndSessions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.ExpiredTokens)
	assert.Zero(t, res.DeletedTokens)

	stored, err := f.tokens.GetByCode(ctx, "Q7K2M9")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.IsUsed)

	res, err = f.coord.CleanupExpiredTokensAndSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.ExpiredTokens, "cleanup is idempotent")

	f.now = f.now.Add(GarbageAfter)
	res, err = f.coord.CleanupExpiredTokensAndSessions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.DeletedTokens)
}
