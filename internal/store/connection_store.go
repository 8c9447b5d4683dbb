// Package store persists merchant connection records. Reads return credential
// fields as opaque ciphertext; nothing in this package decrypts.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"caminv-service/internal/model"

	"gorm.io/gorm"
)

var (
	// ErrRecordNotFound is returned when no connection exists for the given id.
	ErrRecordNotFound = errors.New("merchant connection not found")
	// ErrStaleRecord is returned when a conditional update lost a race with a
	// concurrent write to the same record.
	ErrStaleRecord = errors.New("merchant connection was modified concurrently")
)

// ConnectionStore provides team-scoped persistence for merchant connections.
type ConnectionStore struct {
	db *gorm.DB
}

// NewConnectionStore creates a store backed by the given database handle.
func NewConnectionStore(db *gorm.DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

// Create inserts a new connection record and fills in its generated id.
func (s *ConnectionStore) Create(ctx context.Context, conn *model.MerchantConnection) error {
	if result := s.db.WithContext(ctx).Create(conn); result.Error != nil {
		return fmt.Errorf("failed to create merchant connection: %w", result.Error)
	}
	return nil
}

// GetByID fetches a connection by primary key. It is not team-scoped; callers
// must verify team ownership before acting on the result.
func (s *ConnectionStore) GetByID(ctx context.Context, id uint) (*model.MerchantConnection, error) {
	var conn model.MerchantConnection
	if result := s.db.WithContext(ctx).First(&conn, id); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to fetch merchant connection %d: %w", id, result.Error)
	}
	return &conn, nil
}

// ListForTeam returns every connection owned by the team in creation order,
// tie-broken by id so the ordering is deterministic.
func (s *ConnectionStore) ListForTeam(ctx context.Context, teamID uint) ([]model.MerchantConnection, error) {
	var conns []model.MerchantConnection
	result := s.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Order("created_at ASC, id ASC").
		Find(&conns)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list connections for team %d: %w", teamID, result.Error)
	}
	return conns, nil
}

// FindDisconnectedMerchant looks up a disconnected connection for the team
// with the given external merchant id, so a reconnect can reuse the row.
func (s *ConnectionStore) FindDisconnectedMerchant(ctx context.Context, teamID uint, merchantID string) (*model.MerchantConnection, error) {
	var conn model.MerchantConnection
	result := s.db.WithContext(ctx).
		Where("team_id = ? AND merchant_id = ? AND registration_status = ?",
			teamID, merchantID, model.StatusDisconnected).
		Order("created_at ASC, id ASC").
		First(&conn)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to look up disconnected merchant: %w", result.Error)
	}
	return &conn, nil
}

// UpdateFields applies the given column values to one record as a single
// atomic UPDATE.
func (s *ConnectionStore) UpdateFields(ctx context.Context, id uint, fields map[string]interface{}) error {
	result := s.db.WithContext(ctx).
		Model(&model.MerchantConnection{}).
		Where("id = ?", id).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update merchant connection %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// UpdateFieldsIf applies the given column values only if the record has not
// been written since it was read (compare-and-swap on updated_at). A write
// that lost the race returns ErrStaleRecord so the caller can abandon it
// instead of silently overwriting the concurrent change.
func (s *ConnectionStore) UpdateFieldsIf(ctx context.Context, id uint, fields map[string]interface{}, expectedUpdatedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&model.MerchantConnection{}).
		Where("id = ? AND updated_at = ?", id, expectedUpdatedAt).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update merchant connection %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		// Distinguish a missing record from a lost race.
		if _, err := s.GetByID(ctx, id); errors.Is(err, ErrRecordNotFound) {
			return ErrRecordNotFound
		}
		return ErrStaleRecord
	}
	return nil
}
