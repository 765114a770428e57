package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"devicegate/internal/policy/engine"
	"devicegate/internal/session/admission"
	"devicegate/internal/session/domain"
	"devicegate/internal/session/repository"
	"devicegate/internal/session/revocation"
	settingsdomain "devicegate/internal/settings/domain"
	"devicegate/internal/telemetry"
	userdomain "devicegate/internal/user/domain"
	userrepo "devicegate/internal/user/repository"
)

const (
	userU   = "0b1e4c6a-1111-4b7e-9a61-2f0b3c4d5e6f"
	userV   = "0b1e4c6a-2222-4b7e-9a61-2f0b3c4d5e6f"
	deviceA = "aaaaaaaa-0000-4000-8000-000000000001"
	deviceB = "bbbbbbbb-0000-4000-8000-000000000002"
	deviceC = "cccccccc-0000-4000-8000-000000000003"
	adminP  = "sessions:admin"
)

func strPtr(s string) *string { return &s }

// fakeSettings is an in-memory SettingsStore.
type fakeSettings struct {
	mu    sync.Mutex
	st    settingsdomain.AppSettings
	err   error
	reads int
}

func (f *fakeSettings) MaxDevices(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.st.MaxDevices, f.err
}

func (f *fakeSettings) InactivityWindow(ctx context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st.InactivityWindow(), f.err
}

func (f *fakeSettings) Get(ctx context.Context) (*settingsdomain.AppSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.st
	return &st, f.err
}

func (f *fakeSettings) Update(ctx context.Context, maxDevices, inactivityDays int) (*settingsdomain.AppSettings, error) {
	if err := settingsdomain.Validate(maxDevices, inactivityDays); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st.MaxDevices, f.st.InactivityDays = maxDevices, inactivityDays
	st := f.st
	return &st, nil
}

// recordingEmitter captures emitted events.
type recordingEmitter struct {
	mu     sync.Mutex
	events []*telemetry.SessionEvent
}

func (r *recordingEmitter) Emit(ctx context.Context, ev *telemetry.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) waitFor(t *testing.T, eventType string) *telemetry.SessionEvent {
	t.Helper()
	var found *telemetry.SessionEvent
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, ev := range r.events {
			if ev.Type == eventType {
				found = ev
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "no %s event", eventType)
	return found
}

type fixture struct {
	sessions *repository.MemoryRepository
	settings *fakeSettings
	events   *recordingEmitter
	svc      *SessionService
}

func newFixture(t *testing.T, maxDevices int) *fixture {
	t.Helper()
	f := &fixture{
		sessions: repository.NewMemoryRepository(),
		settings: &fakeSettings{st: settingsdomain.AppSettings{MaxDevices: maxDevices, InactivityDays: 7}},
		events:   &recordingEmitter{},
	}
	users := userrepo.NewMemoryRepository()
	users.Put(&userdomain.User{ID: userU, ExternalSubjectID: "auth0|u"})
	authz, err := engine.NewOPAEvaluator(adminP)
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	coord, err := revocation.NewCoordinator(f.sessions, nil, authz, users, logger)
	require.NoError(t, err)
	f.svc, err = NewSessionService(f.sessions, admission.NewAdvisory(f.sessions), coord, f.settings, authz, f.events, logger, "test")
	require.NoError(t, err)
	return f
}

func self(device string) domain.Actor {
	return domain.Actor{UserID: userU, DeviceID: strPtr(device)}
}

func TestAdmitOrRenew_AdmitRenewDeny(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	res, err := f.svc.AdmitOrRenew(ctx, AdmitInput{UserID: userU, DeviceID: deviceA, ExternalSessionID: strPtr("sid-a")})
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.False(t, res.Renewal)
	assert.Equal(t, 1, res.ActiveCount)
	assert.Equal(t, 2, res.MaxDevices)
	require.NotNil(t, res.Session)
	ev := f.events.waitFor(t, telemetry.EventAdmitted)
	assert.Equal(t, "test", ev.Source)
	assert.Equal(t, res.Session.ID, ev.SessionID)

	res, err = f.svc.AdmitOrRenew(ctx, AdmitInput{UserID: userU, DeviceID: deviceA})
	require.NoError(t, err)
	assert.True(t, res.Renewal)
	assert.Equal(t, 1, res.ActiveCount)
	require.NotNil(t, res.Session.ExternalSessionID, "renewal without an id keeps the stored one")
	assert.Equal(t, "sid-a", *res.Session.ExternalSessionID)
	f.events.waitFor(t, telemetry.EventRenewed)

	_, err = f.svc.AdmitOrRenew(ctx, AdmitInput{UserID: userU, DeviceID: deviceB})
	require.NoError(t, err)

	res, err = f.svc.AdmitOrRenew(ctx, AdmitInput{UserID: userU, DeviceID: deviceC})
	require.NoError(t, err, "denial is a result, not an error")
	assert.False(t, res.Admitted)
	assert.Nil(t, res.Session)
	assert.Equal(t, 2, res.ActiveCount)
	assert.Len(t, res.Active, 2)
	denied := f.events.waitFor(t, telemetry.EventAdmissionDenied)
	assert.Equal(t, "2", denied.Metadata["max_devices"])
}

func TestAdmitOrRenew_ReadsLimitPerCall(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.svc.AdmitOrRenew(ctx, AdmitInput{UserID: userU, DeviceID: deviceA})
	require.NoError(t, err)
	res, err := f.svc.AdmitOrRenew(ctx, AdmitInput{UserID: userU, DeviceID: deviceB})
	require.NoError(t, err)
	require.False(t, res.Admitted)

	_, err = f.svc.UpdateSettings(ctx, domain.Actor{UserID: userV, Permissions: []string{adminP}}, 2, 7)
	require.NoError(t, err)

	res, err = f.svc.AdmitOrRenew(ctx, AdmitInput{UserID: userU, DeviceID: deviceB})
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.Equal(t, 3, f.settings.reads)
}

func TestAdmitOrRenew_ZeroLimitStillRenews(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.svc.AdmitOrRenew(ctx, AdmitInput{UserID: userU, DeviceID: deviceA})
	require.NoError(t, err)

	f.settings.st.MaxDevices = 0
	res, err := f.svc.AdmitOrRenew(ctx, AdmitInput{UserID: userU, DeviceID: deviceA})
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.True(t, res.Renewal)

	res, err = f.svc.AdmitOrRenew(ctx, AdmitInput{UserID: userU, DeviceID: deviceB})
	require.NoError(t, err)
	assert.False(t, res.Admitted)
}

func TestAdmitOrRenew_Validation(t *testing.T) {
	f := newFixture(t, 3)
	testCases := []struct {
		name string
		in   AdmitInput
	}{
		{"empty user", AdmitInput{DeviceID: deviceA}},
		{"malformed device", AdmitInput{UserID: userU, DeviceID: "laptop"}},
		{"oversized external id", AdmitInput{UserID: userU, DeviceID: deviceA, ExternalSessionID: strPtr(string(make([]byte, 300)) + "x")}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.AdmitOrRenew(context.Background(), tc.in)
			var ve *domain.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
	active, _ := f.sessions.ListActive(context.Background(), userU)
	assert.Empty(t, active)
}

func TestAdmitOrRenew_SettingsFailureIsNotADenial(t *testing.T) {
	f := newFixture(t, 3)
	f.settings.err = errors.New("settings unavailable")

	res, err := f.svc.AdmitOrRenew(context.Background(), AdmitInput{UserID: userU, DeviceID: deviceA})
	assert.Error(t, err)
	assert.Nil(t, res)
}

func TestListSessions_OwnerAdminAndForbidden(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	for _, dev := range []string{deviceA, deviceB} {
		_, err := f.svc.AdmitOrRenew(ctx, AdmitInput{UserID: userU, DeviceID: dev})
		require.NoError(t, err)
	}
	require.NoError(t, f.svc.RevokeByDevice(ctx, userU, deviceB, domain.ReasonUserRevoked, strPtr(deviceA)))

	active, err := f.svc.ListSessions(ctx, self(deviceA), userU, true)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	all, err := f.svc.ListSessions(ctx, domain.Actor{UserID: userV, Permissions: []string{adminP}}, userU, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.svc.ListSessions(ctx, domain.Actor{UserID: userV}, userU, true)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestCurrentSession_ReportsRevokedDevice(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.svc.CurrentSession(ctx, userU, deviceA)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.AdmitOrRenew(ctx, AdmitInput{UserID: userU, DeviceID: deviceA})
	require.NoError(t, err)
	require.NoError(t, f.svc.Logout(ctx, userU, deviceA))

	cur, err := f.svc.CurrentSession(ctx, userU, deviceA)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, cur.Status())
	assert.Equal(t, domain.ReasonLogout, cur.Revocation.Reason)
	assert.Nil(t, cur.Revocation.ByDeviceID)
}

func TestRevokeOne_EmitsEventOnlyOnTransition(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	res, err := f.svc.AdmitOrRenew(ctx, AdmitInput{UserID: userU, DeviceID: deviceB})
	require.NoError(t, err)

	require.NoError(t, f.svc.RevokeOne(ctx, self(deviceA), res.Session.ID, domain.ReasonUserRevoked))
	ev := f.events.waitFor(t, telemetry.EventRevoked)
	assert.Equal(t, deviceA, ev.Metadata["acting_device_id"])

	require.NoError(t, f.svc.RevokeOne(ctx, self(deviceA), res.Session.ID, domain.ReasonUserRevoked))
	time.Sleep(20 * time.Millisecond)
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	revoked := 0
	for _, e := range f.events.events {
		if e.Type == telemetry.EventRevoked {
			revoked++
		}
	}
	assert.Equal(t, 1, revoked)
}

func TestRevokeAll_ReportsCount(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	for _, dev := range []string{deviceA, deviceB, deviceC} {
		_, err := f.svc.AdmitOrRenew(ctx, AdmitInput{UserID: userU, DeviceID: dev})
		require.NoError(t, err)
	}

	n, err := f.svc.RevokeAll(ctx, self(deviceA), userU, domain.ReasonUserRevokedAll)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	ev := f.events.waitFor(t, telemetry.EventRevokedAll)
	assert.Equal(t, "3", ev.Metadata["revoked_count"])

	n, err = f.svc.RevokeAll(ctx, self(deviceA), userU, domain.ReasonUserRevokedAll)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSettings_AdminOnly(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	admin := domain.Actor{UserID: userV, Permissions: []string{adminP}}

	_, err := f.svc.Settings(ctx, self(deviceA))
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.UpdateSettings(ctx, self(deviceA), 5, 7)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	st, err := f.svc.Settings(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 3, st.MaxDevices)

	_, err = f.svc.UpdateSettings(ctx, admin, -1, 7)
	assert.ErrorIs(t, err, settingsdomain.ErrInvalidSettings)
}

func TestAuthorizeAdmin(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.AuthorizeAdmin(ctx, self(deviceA)), domain.ErrForbidden)
	assert.NoError(t, f.svc.AuthorizeAdmin(ctx, domain.Actor{UserID: userV, Permissions: []string{adminP}}))
}
