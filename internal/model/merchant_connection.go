package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidStateTransition is returned when a registration status change is
// not allowed by the lifecycle state machine.
var ErrInvalidStateTransition = errors.New("invalid registration state transition")

// RegistrationStatus represents where a merchant connection is in its
// lifecycle with the external e-invoicing authority.
type RegistrationStatus string

const (
	// StatusPending means the authorization exchange completed but the
	// registration has not been confirmed yet.
	StatusPending RegistrationStatus = "pending"
	// StatusActive means the connection is usable for operations.
	StatusActive RegistrationStatus = "active"
	// StatusSuspended means the authority has blocked the connection;
	// credentials are retained so it can be reinstated.
	StatusSuspended RegistrationStatus = "suspended"
	// StatusDisconnected means the connection was explicitly disconnected and
	// its credentials purged. Re-entry requires a fresh authorization exchange.
	StatusDisconnected RegistrationStatus = "disconnected"
)

// transitions is the set of legal lifecycle moves. Disconnect is reachable
// from every non-terminal state; disconnected can only go back to pending via
// a fresh authorization exchange.
var transitions = map[RegistrationStatus][]RegistrationStatus{
	StatusPending:      {StatusActive, StatusDisconnected},
	StatusActive:       {StatusSuspended, StatusDisconnected},
	StatusSuspended:    {StatusActive, StatusDisconnected},
	StatusDisconnected: {StatusPending},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s RegistrationStatus) CanTransitionTo(next RegistrationStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates the move from s to next, returning
// ErrInvalidStateTransition when the lifecycle does not allow it.
func (s RegistrationStatus) Transition(next RegistrationStatus) (RegistrationStatus, error) {
	if !s.CanTransitionTo(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, s, next)
	}
	return next, nil
}

// MerchantConnection represents one merchant's integration with the external
// e-invoicing authority on behalf of a team. The four credential fields hold
// ciphertext at rest; plaintext only ever exists in memory while an authority
// call is being made.
type MerchantConnection struct {
	ID     uint `json:"id" gorm:"primaryKey"`
	TeamID uint `json:"team_id" gorm:"index;not null"` // owning team, immutable after creation

	MerchantID    string `json:"merchant_id" gorm:"type:varchar(100);index"`
	MerchantName  string `json:"merchant_name" gorm:"type:varchar(255)"`
	CompanyNameEn string `json:"company_name_en" gorm:"type:varchar(255)"`
	CompanyNameKh string `json:"company_name_kh" gorm:"type:varchar(255)"`
	Tin           string `json:"tin" gorm:"type:varchar(50)"`
	EndpointID    string `json:"endpoint_id" gorm:"type:varchar(100)"`
	MocID         string `json:"moc_id" gorm:"type:varchar(100)"`

	RegistrationStatus RegistrationStatus `json:"registration_status" gorm:"type:varchar(20);default:'pending'"`
	IsActive           bool               `json:"is_active" gorm:"default:false"`

	City        string `json:"city,omitempty" gorm:"type:varchar(100)"`
	Country     string `json:"country,omitempty" gorm:"type:varchar(100)"`
	PhoneNumber string `json:"phone_number,omitempty" gorm:"type:varchar(50)"`
	Email       string `json:"email,omitempty" gorm:"type:varchar(255)"`

	// Encrypted credential fields. Never exposed in JSON responses.
	AccessToken  string `json:"-" gorm:"type:text"`
	RefreshToken string `json:"-" gorm:"type:text"`
	ClientID     string `json:"-" gorm:"type:text"`
	ClientSecret string `json:"-" gorm:"type:text"`

	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenExpired reports whether the stored access token must be treated as
// unusable at the given time. A nil expiry on an active connection means "no
// token yet", which callers treat the same as expired.
func (c *MerchantConnection) TokenExpired(now time.Time) bool {
	if c.TokenExpiresAt == nil {
		return c.IsActive
	}
	return !now.Before(*c.TokenExpiresAt)
}

// HasCredentials reports whether any credential ciphertext is present. Used
// by diagnostic and API output as a redacted presence indicator.
func (c *MerchantConnection) HasCredentials() bool {
	return c.AccessToken != "" || c.RefreshToken != "" || c.ClientID != "" || c.ClientSecret != ""
}

// Disconnected reports whether the connection is already in its purged,
// inactive end state.
func (c *MerchantConnection) Disconnected() bool {
	return c.RegistrationStatus == StatusDisconnected && !c.IsActive
}
