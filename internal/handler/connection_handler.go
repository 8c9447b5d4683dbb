package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"caminv-service/internal/caminv"
	"caminv-service/internal/connection"
	"caminv-service/internal/model"
	"caminv-service/pkg/jwtutil"
	"caminv-service/pkg/logger"
	"caminv-service/pkg/vault"
	"caminv-service/prometheus"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

var connectionService *connection.Service

// InitConnectionHandler wires the connection lifecycle service into the
// handlers.
func InitConnectionHandler(svc *connection.Service) {
	connectionService = svc
}

// connectionResponse is the redacted API view of a merchant connection.
// Credential fields never appear; only a presence indicator does.
type connectionResponse struct {
	ID                 uint                     `json:"id"`
	TeamID             uint                     `json:"team_id"`
	MerchantID         string                   `json:"merchant_id"`
	MerchantName       string                   `json:"merchant_name"`
	CompanyNameEn      string                   `json:"company_name_en,omitempty"`
	CompanyNameKh      string                   `json:"company_name_kh,omitempty"`
	Tin                string                   `json:"tin,omitempty"`
	EndpointID         string                   `json:"endpoint_id,omitempty"`
	MocID              string                   `json:"moc_id,omitempty"`
	RegistrationStatus model.RegistrationStatus `json:"registration_status"`
	IsActive           bool                     `json:"is_active"`
	City               string                   `json:"city,omitempty"`
	Country            string                   `json:"country,omitempty"`
	PhoneNumber        string                   `json:"phone_number,omitempty"`
	Email              string                   `json:"email,omitempty"`
	HasCredentials     bool                     `json:"has_credentials"`
	TokenExpiresAt     *time.Time               `json:"token_expires_at,omitempty"`
	LastSyncAt         *time.Time               `json:"last_sync_at,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

func toResponse(conn *model.MerchantConnection) connectionResponse {
	return connectionResponse{
		ID:                 conn.ID,
		TeamID:             conn.TeamID,
		MerchantID:         conn.MerchantID,
		MerchantName:       conn.MerchantName,
		CompanyNameEn:      conn.CompanyNameEn,
		CompanyNameKh:      conn.CompanyNameKh,
		Tin:                conn.Tin,
		EndpointID:         conn.EndpointID,
		MocID:              conn.MocID,
		RegistrationStatus: conn.RegistrationStatus,
		IsActive:           conn.IsActive,
		City:               conn.City,
		Country:            conn.Country,
		PhoneNumber:        conn.PhoneNumber,
		Email:              conn.Email,
		HasCredentials:     conn.HasCredentials(),
		TokenExpiresAt:     conn.TokenExpiresAt,
		LastSyncAt:         conn.LastSyncAt,
		CreatedAt:          conn.CreatedAt,
		UpdatedAt:          conn.UpdatedAt,
	}
}

func toResponseList(conns []model.MerchantConnection) []connectionResponse {
	out := make([]connectionResponse, 0, len(conns))
	for i := range conns {
		out = append(out, toResponse(&conns[i]))
	}
	return out
}

// teamFromContext extracts the caller's team id set by the auth middleware.
func teamFromContext(c echo.Context) (uint, bool) {
	claims, ok := c.Get("user").(*jwtutil.UserClaims)
	if !ok {
		return 0, false
	}
	return claims.TeamID, true
}

// connectionIDParam parses the :id path parameter.
func connectionIDParam(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

// errorStatus maps service errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, connection.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, connection.ErrStaleConnection):
		return http.StatusConflict
	case errors.Is(err, connection.ErrTokenRefreshFailed):
		return http.StatusBadGateway
	case errors.Is(err, vault.ErrDecryptionFailed):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ListConnections returns every merchant connection for the caller's team.
func ListConnections(c echo.Context) error {
	log := logger.FromContext(c)

	teamID, ok := teamFromContext(c)
	if !ok {
		log.Error("Failed to get user claims from context")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	defer prometheus.TrackDBOperation("list_connections")(time.Now())

	conns, err := connectionService.ListForTeam(c.Request().Context(), teamID)
	if err != nil {
		log.Error("Failed to list connections", zap.Uint("team_id", teamID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to list connections"})
	}

	return c.JSON(http.StatusOK, echo.Map{"connections": toResponseList(conns)})
}

// ListActiveConnections returns the caller's active connections in creation
// order.
func ListActiveConnections(c echo.Context) error {
	log := logger.FromContext(c)

	teamID, ok := teamFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	conns, err := connectionService.ActiveFor(c.Request().Context(), teamID)
	if err != nil {
		log.Error("Failed to list active connections", zap.Uint("team_id", teamID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to list connections"})
	}

	return c.JSON(http.StatusOK, echo.Map{"connections": toResponseList(conns)})
}

// GetPrimaryConnection returns the team's default active merchant, or 404
// when the team has none.
func GetPrimaryConnection(c echo.Context) error {
	log := logger.FromContext(c)

	teamID, ok := teamFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	primary, err := connectionService.PrimaryFor(c.Request().Context(), teamID)
	if err != nil {
		log.Error("Failed to select primary connection", zap.Uint("team_id", teamID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to select primary connection"})
	}
	if primary == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "no active merchant connection"})
	}

	return c.JSON(http.StatusOK, toResponse(primary))
}

// GetConnection returns one connection, team-checked.
func GetConnection(c echo.Context) error {
	log := logger.FromContext(c)

	teamID, ok := teamFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	id, err := connectionIDParam(c)
	if err != nil {
		log.Warn("Invalid connection ID", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid connection id"})
	}

	conn, err := connectionService.GetForTeam(c.Request().Context(), id, teamID)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "connection not found"})
		}
		log.Error("Failed to fetch connection", zap.Uint("connection_id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch connection"})
	}

	return c.JSON(http.StatusOK, toResponse(conn))
}

// ConnectMerchant completes a merchant authorization exchange and persists
// the resulting connection.
func ConnectMerchant(c echo.Context) error {
	log := logger.FromContext(c)

	teamID, ok := teamFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := c.Bind(&req); err != nil {
		log.Warn("Failed to parse connect request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if req.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "authorization code is required"})
	}

	conn, err := connectionService.Connect(c.Request().Context(), teamID, req.Code)
	if err != nil {
		log.Error("Merchant connect failed", zap.Uint("team_id", teamID), zap.Error(err))
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "authorization exchange failed"})
	}

	log.Info("Merchant connection established",
		zap.Uint("connection_id", conn.ID),
		zap.Uint("team_id", teamID))
	return c.JSON(http.StatusCreated, toResponse(conn))
}

// ConfirmConnection confirms a pending registration with the authority.
func ConfirmConnection(c echo.Context) error {
	log := logger.FromContext(c)

	teamID, ok := teamFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	id, err := connectionIDParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid connection id"})
	}

	conn, err := connectionService.ConfirmRegistration(c.Request().Context(), id, teamID)
	if err != nil {
		log.Warn("Registration confirmation failed",
			zap.Uint("connection_id", id), zap.Error(err))
		return c.JSON(errorStatus(err), echo.Map{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, toResponse(conn))
}

// DisconnectConnection disconnects a merchant: best-effort revoke with the
// authority, then an atomic local credential purge. Idempotent.
func DisconnectConnection(c echo.Context) error {
	log := logger.FromContext(c)

	teamID, ok := teamFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	id, err := connectionIDParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid connection id"})
	}

	if err := connectionService.Disconnect(c.Request().Context(), id, teamID); err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "connection not found"})
		}
		log.Error("Disconnect failed", zap.Uint("connection_id", id), zap.Error(err))
		return c.JSON(errorStatus(err), echo.Map{"error": "disconnect failed"})
	}

	return c.JSON(http.StatusOK, echo.Map{"message": "merchant disconnected"})
}

// SuspendConnection suspends an active connection without touching its
// stored credentials.
func SuspendConnection(c echo.Context) error {
	log := logger.FromContext(c)

	teamID, ok := teamFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	id, err := connectionIDParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid connection id"})
	}

	if err := connectionService.Suspend(c.Request().Context(), id, teamID); err != nil {
		log.Warn("Suspend failed", zap.Uint("connection_id", id), zap.Error(err))
		return c.JSON(errorStatus(err), echo.Map{"error": err.Error()})
	}

	return fetchAndRespond(c, id, teamID)
}

// ReinstateConnection returns a suspended connection to active.
func ReinstateConnection(c echo.Context) error {
	log := logger.FromContext(c)

	teamID, ok := teamFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	id, err := connectionIDParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid connection id"})
	}

	if err := connectionService.Reinstate(c.Request().Context(), id, teamID); err != nil {
		log.Warn("Reinstate failed", zap.Uint("connection_id", id), zap.Error(err))
		return c.JSON(errorStatus(err), echo.Map{"error": err.Error()})
	}

	return fetchAndRespond(c, id, teamID)
}

// SyncConnection records a completed profile sync: refreshed merchant
// metadata plus the sync timestamp.
func SyncConnection(c echo.Context) error {
	log := logger.FromContext(c)

	teamID, ok := teamFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	id, err := connectionIDParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid connection id"})
	}

	var req caminv.MerchantInfo
	if err := c.Bind(&req); err != nil {
		log.Warn("Failed to parse sync request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	if err := connectionService.MarkSynced(c.Request().Context(), id, teamID, req); err != nil {
		log.Warn("Sync bookkeeping failed", zap.Uint("connection_id", id), zap.Error(err))
		return c.JSON(errorStatus(err), echo.Map{"error": err.Error()})
	}

	return fetchAndRespond(c, id, teamID)
}

// fetchAndRespond re-reads a connection after a state change and returns its
// redacted view.
func fetchAndRespond(c echo.Context, id, teamID uint) error {
	conn, err := connectionService.GetForTeam(c.Request().Context(), id, teamID)
	if err != nil {
		return c.JSON(errorStatus(err), echo.Map{"error": "failed to fetch connection"})
	}
	return c.JSON(http.StatusOK, toResponse(conn))
}

// EnsureToken returns a valid plaintext access token for server-side use,
// refreshing it with the authority when needed. This endpoint is for
// internal service-to-service calls; it is the only surface that returns a
// decrypted credential.
func EnsureToken(c echo.Context) error {
	log := logger.FromContext(c)

	teamID, ok := teamFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	id, err := connectionIDParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid connection id"})
	}

	token, err := connectionService.EnsureValidToken(c.Request().Context(), id, teamID)
	if err != nil {
		log.Warn("Token acquisition failed", zap.Uint("connection_id", id), zap.Error(err))
		return c.JSON(errorStatus(err), echo.Map{"error": "could not obtain a valid token"})
	}

	return c.JSON(http.StatusOK, echo.Map{"access_token": token})
}
