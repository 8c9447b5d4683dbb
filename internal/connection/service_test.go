package connection

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"caminv-service/internal/caminv"
	"caminv-service/internal/model"
	"caminv-service/internal/store"
	"caminv-service/pkg/vault"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// stubAuthority implements Authority with canned responses and optional
// hooks for interleaving tests.
type stubAuthority struct {
	refreshCalls  int
	refreshCreds  *caminv.Credentials
	refreshErr    error
	refreshHook   func()
	revokeCalls   int
	revokeErr     error
	exchangeCreds *caminv.Credentials
	exchangeErr   error
}

func (a *stubAuthority) ExchangeAuthorization(ctx context.Context, code string) (*caminv.Credentials, error) {
	if a.exchangeErr != nil {
		return nil, a.exchangeErr
	}
	return a.exchangeCreds, nil
}

func (a *stubAuthority) RefreshToken(ctx context.Context, refreshToken string) (*caminv.Credentials, error) {
	a.refreshCalls++
	if a.refreshHook != nil {
		a.refreshHook()
	}
	if a.refreshErr != nil {
		return nil, a.refreshErr
	}
	return a.refreshCreds, nil
}

func (a *stubAuthority) Revoke(ctx context.Context, accessToken string) error {
	a.revokeCalls++
	return a.revokeErr
}

type testEnv struct {
	svc       *Service
	store     *store.ConnectionStore
	vault     *vault.Vault
	authority *stubAuthority
	now       time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.MerchantConnection{}))

	v, err := vault.New(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	authority := &stubAuthority{}
	st := store.NewConnectionStore(db)
	svc := NewService(st, v, authority, zap.NewNop(), 2*time.Second)

	env := &testEnv{
		svc:       svc,
		store:     st,
		vault:     v,
		authority: authority,
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	svc.now = func() time.Time { return env.now }
	return env
}

// seedActive persists an active connection with encrypted credentials.
func (e *testEnv) seedActive(t *testing.T, teamID uint, name string, tokenExpiresAt time.Time) *model.MerchantConnection {
	t.Helper()
	encrypt := func(plaintext string) string {
		ciphertext, err := e.vault.Encrypt(plaintext)
		require.NoError(t, err)
		return ciphertext
	}
	conn := &model.MerchantConnection{
		TeamID:             teamID,
		MerchantID:         "m-" + name,
		MerchantName:       name,
		RegistrationStatus: model.StatusActive,
		IsActive:           true,
		AccessToken:        encrypt("access-" + name),
		RefreshToken:       encrypt("refresh-" + name),
		ClientID:           encrypt("client-id-" + name),
		ClientSecret:       encrypt("client-secret-" + name),
		TokenExpiresAt:     &tokenExpiresAt,
	}
	require.NoError(t, e.store.Create(context.Background(), conn))
	return conn
}

func TestGetForTeam_CrossTeamIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedActive(t, 5, "ACME Co", env.now.Add(time.Hour))

	// Owning team sees the record.
	got, err := env.svc.GetForTeam(context.Background(), conn.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, conn.ID, got.ID)

	// Another team gets the same error as for a missing record.
	_, err = env.svc.GetForTeam(context.Background(), conn.ID, 9)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.svc.GetForTeam(context.Background(), 9999, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPrimaryFor_EarliestActiveWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	acme := env.seedActive(t, 2, "ACME Co", env.now.Add(time.Hour))
	env.seedActive(t, 2, "Beta Ltd", env.now.Add(time.Hour))

	primary, err := env.svc.PrimaryFor(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, acme.ID, primary.ID)
	assert.Equal(t, "ACME Co", primary.MerchantName)

	// Stable across repeated calls.
	again, err := env.svc.PrimaryFor(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, primary.ID, again.ID)
}

func TestPrimaryFor_SkipsInactive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.seedActive(t, 2, "First", env.now.Add(time.Hour))
	require.NoError(t, env.store.UpdateFields(ctx, first.ID, map[string]interface{}{"is_active": false}))
	second := env.seedActive(t, 2, "Second", env.now.Add(time.Hour))

	primary, err := env.svc.PrimaryFor(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, second.ID, primary.ID)
}

func TestPrimaryFor_NoneActive(t *testing.T) {
	env := newTestEnv(t)

	primary, err := env.svc.PrimaryFor(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, primary)
}

func TestActiveFor_FiltersAndPreservesOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.seedActive(t, 3, "A", env.now.Add(time.Hour))
	b := env.seedActive(t, 3, "B", env.now.Add(time.Hour))
	require.NoError(t, env.store.UpdateFields(ctx, b.ID, map[string]interface{}{"is_active": false}))
	c := env.seedActive(t, 3, "C", env.now.Add(time.Hour))
	env.seedActive(t, 4, "OtherTeam", env.now.Add(time.Hour))

	active, err := env.svc.ActiveFor(ctx, 3)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, a.ID, active[0].ID)
	assert.Equal(t, c.ID, active[1].ID)
}

func TestEnsureValidToken_NotExpired(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedActive(t, 1, "ACME Co", env.now.Add(time.Hour))

	token, err := env.svc.EnsureValidToken(context.Background(), conn.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "access-ACME Co", token)
	assert.Equal(t, 0, env.authority.refreshCalls)
}

func TestEnsureValidToken_ExpiredTriggersOneRefresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.seedActive(t, 1, "ACME Co", env.now.Add(-time.Hour))

	newExpiry := env.now.Add(time.Hour)
	env.authority.refreshCreds = &caminv.Credentials{
		AccessToken:  "fresh-access",
		RefreshToken: "fresh-refresh",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		ExpiresAt:    newExpiry,
	}

	token, err := env.svc.EnsureValidToken(ctx, conn.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", token)
	assert.Equal(t, 1, env.authority.refreshCalls)

	stored, err := env.store.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.TokenExpiresAt)
	assert.WithinDuration(t, newExpiry, *stored.TokenExpiresAt, time.Second)

	// Ciphertext at rest, plaintext only through the vault.
	assert.NotEqual(t, "fresh-access", stored.AccessToken)
	access, err := env.vault.Decrypt(stored.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", access)
	refresh, err := env.vault.Decrypt(stored.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "fresh-refresh", refresh)
}

func TestEnsureValidToken_NilExpiryOnActiveMeansRefresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.seedActive(t, 1, "ACME Co", env.now.Add(time.Hour))
	require.NoError(t, env.store.UpdateFields(ctx, conn.ID, map[string]interface{}{"token_expires_at": nil}))

	env.authority.refreshCreds = &caminv.Credentials{
		AccessToken:  "fresh-access",
		RefreshToken: "fresh-refresh",
		ExpiresAt:    env.now.Add(time.Hour),
	}

	token, err := env.svc.EnsureValidToken(ctx, conn.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", token)
	assert.Equal(t, 1, env.authority.refreshCalls)
}

func TestEnsureValidToken_RefreshFailureSuspendsAndKeepsCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.seedActive(t, 1, "ACME Co", env.now.Add(-time.Hour))
	env.authority.refreshErr = errors.New("authority unavailable")

	_, err := env.svc.EnsureValidToken(ctx, conn.ID, 1)
	assert.ErrorIs(t, err, ErrTokenRefreshFailed)

	stored, err := env.store.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuspended, stored.RegistrationStatus)
	assert.Equal(t, conn.AccessToken, stored.AccessToken)
	assert.Equal(t, conn.RefreshToken, stored.RefreshToken)
	assert.True(t, stored.HasCredentials())
}

func TestEnsureValidToken_NoCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conn := &model.MerchantConnection{
		TeamID:             1,
		MerchantID:         "m-empty",
		RegistrationStatus: model.StatusDisconnected,
	}
	require.NoError(t, env.store.Create(ctx, conn))

	_, err := env.svc.EnsureValidToken(ctx, conn.ID, 1)
	assert.ErrorIs(t, err, ErrTokenRefreshFailed)
	assert.Equal(t, 0, env.authority.refreshCalls)
}

func TestEnsureValidToken_LostRaceWithDisconnect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.seedActive(t, 1, "ACME Co", env.now.Add(-time.Hour))

	env.authority.refreshCreds = &caminv.Credentials{
		AccessToken:  "fresh-access",
		RefreshToken: "fresh-refresh",
		ExpiresAt:    env.now.Add(time.Hour),
	}
	// The connection is disconnected while the refresh is in flight.
	env.authority.refreshHook = func() {
		require.NoError(t, env.svc.Disconnect(ctx, conn.ID, 1))
	}

	_, err := env.svc.EnsureValidToken(ctx, conn.ID, 1)
	assert.ErrorIs(t, err, ErrStaleConnection)

	// The disconnect must not have been overwritten: no resurrected secrets.
	stored, err := env.store.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisconnected, stored.RegistrationStatus)
	assert.False(t, stored.IsActive)
	assert.False(t, stored.HasCredentials())
	assert.Nil(t, stored.TokenExpiresAt)
}

func TestDisconnect_ClearsEverythingAtomically(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.seedActive(t, 1, "ACME Co", env.now.Add(time.Hour))

	require.NoError(t, env.svc.Disconnect(ctx, conn.ID, 1))

	stored, err := env.store.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisconnected, stored.RegistrationStatus)
	assert.False(t, stored.IsActive)
	assert.Empty(t, stored.AccessToken)
	assert.Empty(t, stored.RefreshToken)
	assert.Empty(t, stored.ClientID)
	assert.Empty(t, stored.ClientSecret)
	assert.Nil(t, stored.TokenExpiresAt)
	assert.Equal(t, 1, env.authority.revokeCalls)
}

func TestDisconnect_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.seedActive(t, 1, "ACME Co", env.now.Add(time.Hour))

	require.NoError(t, env.svc.Disconnect(ctx, conn.ID, 1))
	first, err := env.store.GetByID(ctx, conn.ID)
	require.NoError(t, err)

	// Second disconnect is a successful no-op and does not call the authority
	// again.
	require.NoError(t, env.svc.Disconnect(ctx, conn.ID, 1))
	second, err := env.store.GetByID(ctx, conn.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, env.authority.revokeCalls)
	assert.Equal(t, first.RegistrationStatus, second.RegistrationStatus)
	assert.Equal(t, first.IsActive, second.IsActive)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestDisconnect_CrossTeamIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedActive(t, 5, "ACME Co", env.now.Add(time.Hour))

	err := env.svc.Disconnect(context.Background(), conn.ID, 9)
	assert.ErrorIs(t, err, ErrNotFound)

	// Untouched.
	stored, getErr := env.store.GetByID(context.Background(), conn.ID)
	require.NoError(t, getErr)
	assert.True(t, stored.IsActive)
	assert.True(t, stored.HasCredentials())
}

func TestDisconnect_RevokeFailureDoesNotBlock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.seedActive(t, 1, "ACME Co", env.now.Add(time.Hour))
	env.authority.revokeErr = errors.New("authority timeout")

	require.NoError(t, env.svc.Disconnect(ctx, conn.ID, 1))

	stored, err := env.store.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisconnected, stored.RegistrationStatus)
	assert.False(t, stored.HasCredentials())
}

func TestConnect_CreatesPendingWithEncryptedCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	expiry := env.now.Add(time.Hour)
	env.authority.exchangeCreds = &caminv.Credentials{
		AccessToken:  "at-plain",
		RefreshToken: "rt-plain",
		ClientID:     "cid-plain",
		ClientSecret: "cs-plain",
		ExpiresAt:    expiry,
		Merchant: caminv.MerchantInfo{
			MerchantID:   "m-100",
			MerchantName: "ACME Co",
			Tin:          "K001-123456789",
		},
	}

	conn, err := env.svc.Connect(ctx, 1, "auth-code")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, conn.RegistrationStatus)
	assert.False(t, conn.IsActive)
	assert.Equal(t, "ACME Co", conn.MerchantName)

	// Nothing stored in plaintext.
	assert.NotEqual(t, "at-plain", conn.AccessToken)
	assert.NotEqual(t, "rt-plain", conn.RefreshToken)
	access, err := env.vault.Decrypt(conn.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "at-plain", access)
}

func TestConnect_ReusesDisconnectedRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conn := env.seedActive(t, 1, "ACME Co", env.now.Add(time.Hour))
	require.NoError(t, env.svc.Disconnect(ctx, conn.ID, 1))

	env.authority.exchangeCreds = &caminv.Credentials{
		AccessToken:  "new-at",
		RefreshToken: "new-rt",
		ExpiresAt:    env.now.Add(time.Hour),
		Merchant: caminv.MerchantInfo{
			MerchantID:   conn.MerchantID,
			MerchantName: "ACME Co",
		},
	}

	reconnected, err := env.svc.Connect(ctx, 1, "new-code")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, reconnected.ID)
	assert.Equal(t, model.StatusPending, reconnected.RegistrationStatus)
	assert.True(t, reconnected.HasCredentials())

	conns, err := env.svc.ListForTeam(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, conns, 1)
}

func TestConnect_ExchangeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.authority.exchangeErr = errors.New("invalid code")

	_, err := env.svc.Connect(context.Background(), 1, "bad-code")
	assert.Error(t, err)
}

func TestConfirmRegistration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.authority.exchangeCreds = &caminv.Credentials{
		AccessToken: "at", RefreshToken: "rt",
		ExpiresAt: env.now.Add(time.Hour),
		Merchant:  caminv.MerchantInfo{MerchantID: "m-1", MerchantName: "ACME Co"},
	}
	conn, err := env.svc.Connect(ctx, 1, "code")
	require.NoError(t, err)

	confirmed, err := env.svc.ConfirmRegistration(ctx, conn.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, confirmed.RegistrationStatus)
	assert.True(t, confirmed.IsActive)
}

func TestConfirmRegistration_DisconnectedIsIllegal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.seedActive(t, 1, "ACME Co", env.now.Add(time.Hour))
	require.NoError(t, env.svc.Disconnect(ctx, conn.ID, 1))

	_, err := env.svc.ConfirmRegistration(ctx, conn.ID, 1)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
}

func TestSuspendAndReinstate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.seedActive(t, 1, "ACME Co", env.now.Add(time.Hour))

	require.NoError(t, env.svc.Suspend(ctx, conn.ID, 1))
	stored, err := env.store.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuspended, stored.RegistrationStatus)
	assert.True(t, stored.HasCredentials())

	require.NoError(t, env.svc.Reinstate(ctx, conn.ID, 1))
	stored, err = env.store.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, stored.RegistrationStatus)
}

func TestMarkSynced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.seedActive(t, 1, "ACME Co", env.now.Add(time.Hour))

	err := env.svc.MarkSynced(ctx, conn.ID, 1, caminv.MerchantInfo{
		MerchantName:  "ACME Holdings",
		CompanyNameEn: "ACME Holdings Ltd",
	})
	require.NoError(t, err)

	stored, err := env.store.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "ACME Holdings", stored.MerchantName)
	assert.Equal(t, "ACME Holdings Ltd", stored.CompanyNameEn)
	require.NotNil(t, stored.LastSyncAt)
	// Existing metadata is preserved when the sync omits a field.
	assert.Equal(t, "m-ACME Co", stored.MerchantID)
}
