// Package connection owns the merchant connection lifecycle: team-scoped
// lookups, primary merchant selection, token refresh and safe disconnection.
package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"caminv-service/internal/caminv"
	"caminv-service/internal/model"
	"caminv-service/internal/store"
	"caminv-service/pkg/vault"
	"caminv-service/prometheus"

	"go.uber.org/zap"
)

// Authority is the narrow surface this service needs from the external
// e-invoicing authority. *caminv.Client implements it.
type Authority interface {
	ExchangeAuthorization(ctx context.Context, code string) (*caminv.Credentials, error)
	RefreshToken(ctx context.Context, refreshToken string) (*caminv.Credentials, error)
	Revoke(ctx context.Context, accessToken string) error
}

// Service composes the store, the vault and the authority client into the
// connection lifecycle operations exposed to the web layer.
type Service struct {
	store            *store.ConnectionStore
	vault            *vault.Vault
	authority        Authority
	log              *zap.Logger
	authorityTimeout time.Duration
	now              func() time.Time
}

// NewService creates a connection lifecycle service. authorityTimeout bounds
// every call made to the external authority.
func NewService(s *store.ConnectionStore, v *vault.Vault, authority Authority, log *zap.Logger, authorityTimeout time.Duration) *Service {
	return &Service{
		store:            s,
		vault:            v,
		authority:        authority,
		log:              log,
		authorityTimeout: authorityTimeout,
		now:              time.Now,
	}
}

// ListForTeam returns every connection owned by the team in creation order.
func (s *Service) ListForTeam(ctx context.Context, teamID uint) ([]model.MerchantConnection, error) {
	return s.store.ListForTeam(ctx, teamID)
}

// GetForTeam fetches one connection and verifies team ownership. A missing
// record and a record owned by another team both yield ErrNotFound.
func (s *Service) GetForTeam(ctx context.Context, connectionID, teamID uint) (*model.MerchantConnection, error) {
	conn, err := s.store.GetByID(ctx, connectionID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if conn.TeamID != teamID {
		s.log.Warn("cross-team connection access attempt",
			zap.Uint("connection_id", connectionID),
			zap.Uint("requesting_team_id", teamID))
		return nil, ErrNotFound
	}
	return conn, nil
}

// ActiveFor returns the team's active connections in creation order.
func (s *Service) ActiveFor(ctx context.Context, teamID uint) ([]model.MerchantConnection, error) {
	conns, err := s.store.ListForTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	active := make([]model.MerchantConnection, 0, len(conns))
	for _, conn := range conns {
		if conn.IsActive {
			active = append(active, conn)
		}
	}
	return active, nil
}

// PrimaryFor returns the team's default merchant: the earliest-created active
// connection. Returns nil without error when the team has no active
// connection.
func (s *Service) PrimaryFor(ctx context.Context, teamID uint) (*model.MerchantConnection, error) {
	conns, err := s.store.ListForTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	for i := range conns {
		if conns[i].IsActive {
			return &conns[i], nil
		}
	}
	return nil, nil
}

// Connect completes a merchant authorization: it exchanges the code with the
// authority, encrypts the returned credentials and persists them. When the
// merchant was previously connected and then disconnected, the existing row
// is reset to pending instead of creating a duplicate.
func (s *Service) Connect(ctx context.Context, teamID uint, code string) (*model.MerchantConnection, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.authorityTimeout)
	defer cancel()

	creds, err := s.authority.ExchangeAuthorization(callCtx, code)
	if err != nil {
		return nil, fmt.Errorf("authorization exchange failed: %w", err)
	}

	encrypted, err := s.encryptCredentials(creds)
	if err != nil {
		return nil, err
	}

	// Reconnecting a previously disconnected merchant reuses its row.
	if existing, err := s.store.FindDisconnectedMerchant(ctx, teamID, creds.Merchant.MerchantID); err == nil {
		if _, err := existing.RegistrationStatus.Transition(model.StatusPending); err != nil {
			return nil, err
		}
		fields := s.credentialFields(encrypted, creds.ExpiresAt)
		fields["registration_status"] = model.StatusPending
		fields["is_active"] = false
		s.applyProfileFields(fields, creds.Merchant)
		if err := s.store.UpdateFields(ctx, existing.ID, fields); err != nil {
			return nil, err
		}
		s.log.Info("merchant reconnected",
			zap.Uint("connection_id", existing.ID),
			zap.Uint("team_id", teamID),
			zap.String("merchant_id", creds.Merchant.MerchantID))
		prometheus.RecordConnectionCreated()
		return s.store.GetByID(ctx, existing.ID)
	} else if !errors.Is(err, store.ErrRecordNotFound) {
		return nil, err
	}

	conn := &model.MerchantConnection{
		TeamID:             teamID,
		MerchantID:         creds.Merchant.MerchantID,
		MerchantName:       creds.Merchant.MerchantName,
		CompanyNameEn:      creds.Merchant.CompanyNameEn,
		CompanyNameKh:      creds.Merchant.CompanyNameKh,
		Tin:                creds.Merchant.Tin,
		EndpointID:         creds.Merchant.EndpointID,
		MocID:              creds.Merchant.MocID,
		City:               creds.Merchant.City,
		Country:            creds.Merchant.Country,
		PhoneNumber:        creds.Merchant.PhoneNumber,
		Email:              creds.Merchant.Email,
		RegistrationStatus: model.StatusPending,
		IsActive:           false,
		AccessToken:        encrypted.accessToken,
		RefreshToken:       encrypted.refreshToken,
		ClientID:           encrypted.clientID,
		ClientSecret:       encrypted.clientSecret,
		TokenExpiresAt:     &creds.ExpiresAt,
	}
	if err := s.store.Create(ctx, conn); err != nil {
		return nil, err
	}

	s.log.Info("merchant connected",
		zap.Uint("connection_id", conn.ID),
		zap.Uint("team_id", teamID),
		zap.String("merchant_id", conn.MerchantID))
	prometheus.RecordConnectionCreated()
	return conn, nil
}

// ConfirmRegistration moves a pending connection to active once the authority
// has confirmed the merchant's registration.
func (s *Service) ConfirmRegistration(ctx context.Context, connectionID, teamID uint) (*model.MerchantConnection, error) {
	conn, err := s.GetForTeam(ctx, connectionID, teamID)
	if err != nil {
		return nil, err
	}

	next, err := conn.RegistrationStatus.Transition(model.StatusActive)
	if err != nil {
		return nil, err
	}

	if err := s.conditionalUpdate(ctx, conn, map[string]interface{}{
		"registration_status": next,
		"is_active":           true,
	}); err != nil {
		return nil, err
	}
	return s.store.GetByID(ctx, connectionID)
}

// Suspend marks a connection suspended after the authority signaled a
// validation failure. Credentials are retained.
func (s *Service) Suspend(ctx context.Context, connectionID, teamID uint) error {
	conn, err := s.GetForTeam(ctx, connectionID, teamID)
	if err != nil {
		return err
	}

	next, err := conn.RegistrationStatus.Transition(model.StatusSuspended)
	if err != nil {
		return err
	}

	return s.conditionalUpdate(ctx, conn, map[string]interface{}{
		"registration_status": next,
	})
}

// Reinstate moves a suspended connection back to active after a successful
// re-validation with the authority.
func (s *Service) Reinstate(ctx context.Context, connectionID, teamID uint) error {
	conn, err := s.GetForTeam(ctx, connectionID, teamID)
	if err != nil {
		return err
	}

	next, err := conn.RegistrationStatus.Transition(model.StatusActive)
	if err != nil {
		return err
	}

	return s.conditionalUpdate(ctx, conn, map[string]interface{}{
		"registration_status": next,
	})
}

// MarkSynced records a successful profile sync with the authority.
func (s *Service) MarkSynced(ctx context.Context, connectionID, teamID uint, info caminv.MerchantInfo) error {
	conn, err := s.GetForTeam(ctx, connectionID, teamID)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"last_sync_at": s.now(),
	}
	s.applyProfileFields(fields, info)
	return s.conditionalUpdate(ctx, conn, fields)
}

// EnsureValidToken returns a plaintext access token for the connection,
// refreshing it with the authority first when the stored one has expired.
// On refresh failure the connection is suspended and the credentials are left
// in place; only an explicit disconnect clears them.
func (s *Service) EnsureValidToken(ctx context.Context, connectionID, teamID uint) (string, error) {
	conn, err := s.GetForTeam(ctx, connectionID, teamID)
	if err != nil {
		return "", err
	}

	if !conn.HasCredentials() {
		return "", fmt.Errorf("%w: connection has no stored credentials", ErrTokenRefreshFailed)
	}

	if !conn.TokenExpired(s.now()) {
		token, err := s.vault.Decrypt(conn.AccessToken)
		if err != nil {
			s.log.Error("stored access token could not be decrypted",
				zap.Uint("connection_id", conn.ID))
			return "", err
		}
		return token, nil
	}

	refreshToken, err := s.vault.Decrypt(conn.RefreshToken)
	if err != nil {
		s.log.Error("stored refresh token could not be decrypted",
			zap.Uint("connection_id", conn.ID))
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.authorityTimeout)
	defer cancel()

	creds, err := s.authority.RefreshToken(callCtx, refreshToken)
	if err != nil {
		prometheus.RecordRefreshFailure("authority_error")
		s.suspendAfterRefreshFailure(ctx, conn)
		return "", fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}

	encrypted, err := s.encryptCredentials(creds)
	if err != nil {
		return "", err
	}

	// The refreshed tokens are written conditionally: if the record changed
	// underneath (for example a concurrent disconnect), the write is abandoned
	// rather than resurrecting credentials.
	err = s.store.UpdateFieldsIf(ctx, conn.ID, s.credentialFields(encrypted, creds.ExpiresAt), conn.UpdatedAt)
	if err != nil {
		if errors.Is(err, store.ErrStaleRecord) {
			s.log.Warn("abandoning token refresh, connection changed concurrently",
				zap.Uint("connection_id", conn.ID))
			prometheus.RecordRefreshFailure("stale_connection")
			return "", ErrStaleConnection
		}
		if errors.Is(err, store.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}

	s.log.Info("access token refreshed",
		zap.Uint("connection_id", conn.ID),
		zap.Uint("team_id", teamID),
		zap.Time("expires_at", creds.ExpiresAt))
	prometheus.RecordTokenRefreshed()
	return creds.AccessToken, nil
}

// Disconnect revokes the connection's token with the authority (best effort)
// and clears all credential fields in one atomic write. Calling it on an
// already disconnected connection is a successful no-op.
func (s *Service) Disconnect(ctx context.Context, connectionID, teamID uint) error {
	conn, err := s.GetForTeam(ctx, connectionID, teamID)
	if err != nil {
		return err
	}

	if conn.Disconnected() {
		return nil
	}

	next, err := conn.RegistrationStatus.Transition(model.StatusDisconnected)
	if err != nil {
		return err
	}

	// Best-effort revoke: failure is logged but never blocks the local
	// disconnect.
	s.revokeBestEffort(ctx, conn)

	err = s.store.UpdateFieldsIf(ctx, conn.ID, map[string]interface{}{
		"registration_status": next,
		"is_active":           false,
		"access_token":        "",
		"refresh_token":       "",
		"client_id":           "",
		"client_secret":       "",
		"token_expires_at":    nil,
	}, conn.UpdatedAt)
	if err != nil {
		if errors.Is(err, store.ErrStaleRecord) {
			// Someone else won the race. If they disconnected the record the
			// outcome is the same and this call still succeeds.
			current, getErr := s.store.GetByID(ctx, conn.ID)
			if getErr == nil && current.Disconnected() {
				return nil
			}
			return ErrStaleConnection
		}
		if errors.Is(err, store.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}

	s.log.Info("merchant disconnected",
		zap.Uint("connection_id", conn.ID),
		zap.Uint("team_id", teamID),
		zap.String("merchant_id", conn.MerchantID))
	prometheus.RecordDisconnect()
	return nil
}

// suspendAfterRefreshFailure transitions the connection to suspended without
// touching its credentials. Conflicting concurrent writes win.
func (s *Service) suspendAfterRefreshFailure(ctx context.Context, conn *model.MerchantConnection) {
	next, err := conn.RegistrationStatus.Transition(model.StatusSuspended)
	if err != nil {
		// A pending or already suspended connection stays where it is.
		return
	}
	err = s.store.UpdateFieldsIf(ctx, conn.ID, map[string]interface{}{
		"registration_status": next,
	}, conn.UpdatedAt)
	if err != nil {
		s.log.Warn("could not mark connection suspended after refresh failure",
			zap.Uint("connection_id", conn.ID), zap.Error(err))
	}
}

// revokeBestEffort decrypts the current access token and asks the authority
// to revoke it. Any failure is logged and swallowed.
func (s *Service) revokeBestEffort(ctx context.Context, conn *model.MerchantConnection) {
	if conn.AccessToken == "" {
		return
	}

	token, err := s.vault.Decrypt(conn.AccessToken)
	if err != nil {
		s.log.Warn("skipping token revocation, stored token could not be decrypted",
			zap.Uint("connection_id", conn.ID))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.authorityTimeout)
	defer cancel()

	if err := s.authority.Revoke(callCtx, token); err != nil {
		s.log.Warn("best-effort token revocation failed",
			zap.Uint("connection_id", conn.ID), zap.Error(err))
		prometheus.RecordRevokeFailure()
	}
}

// conditionalUpdate writes fields with a CAS on the record's updated_at,
// mapping store errors to this package's taxonomy.
func (s *Service) conditionalUpdate(ctx context.Context, conn *model.MerchantConnection, fields map[string]interface{}) error {
	err := s.store.UpdateFieldsIf(ctx, conn.ID, fields, conn.UpdatedAt)
	if errors.Is(err, store.ErrStaleRecord) {
		return ErrStaleConnection
	}
	if errors.Is(err, store.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

type encryptedCredentials struct {
	accessToken  string
	refreshToken string
	clientID     string
	clientSecret string
}

// encryptCredentials encrypts every credential field returned by the
// authority. Plaintext never leaves this call.
func (s *Service) encryptCredentials(creds *caminv.Credentials) (*encryptedCredentials, error) {
	accessToken, err := s.vault.Encrypt(creds.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.vault.Encrypt(creds.RefreshToken)
	if err != nil {
		return nil, err
	}
	clientID, err := s.vault.Encrypt(creds.ClientID)
	if err != nil {
		return nil, err
	}
	clientSecret, err := s.vault.Encrypt(creds.ClientSecret)
	if err != nil {
		return nil, err
	}
	return &encryptedCredentials{
		accessToken:  accessToken,
		refreshToken: refreshToken,
		clientID:     clientID,
		clientSecret: clientSecret,
	}, nil
}

// credentialFields builds the column map for a credential write.
func (s *Service) credentialFields(enc *encryptedCredentials, expiresAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"access_token":     enc.accessToken,
		"refresh_token":    enc.refreshToken,
		"client_id":        enc.clientID,
		"client_secret":    enc.clientSecret,
		"token_expires_at": expiresAt,
	}
}

// applyProfileFields copies non-empty merchant profile values into a column
// map so a sync never blanks out existing metadata.
func (s *Service) applyProfileFields(fields map[string]interface{}, info caminv.MerchantInfo) {
	set := func(column, value string) {
		if value != "" {
			fields[column] = value
		}
	}
	set("merchant_name", info.MerchantName)
	set("company_name_en", info.CompanyNameEn)
	set("company_name_kh", info.CompanyNameKh)
	set("tin", info.Tin)
	set("endpoint_id", info.EndpointID)
	set("moc_id", info.MocID)
	set("city", info.City)
	set("country", info.Country)
	set("phone_number", info.PhoneNumber)
	set("email", info.Email)
}
