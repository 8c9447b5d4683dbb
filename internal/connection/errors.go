package connection

import "errors"

var (
	// ErrNotFound is returned when a connection does not exist or is not owned
	// by the caller's team. The two cases are deliberately indistinguishable
	// so record existence never leaks across tenants.
	ErrNotFound = errors.New("merchant connection not found")

	// ErrTokenRefreshFailed is returned when the external authority could not
	// refresh an expired token, or when the connection holds no usable
	// credentials for a refresh.
	ErrTokenRefreshFailed = errors.New("token refresh failed")

	// ErrStaleConnection is returned when a write lost a race with a
	// concurrent change to the same connection and was abandoned.
	ErrStaleConnection = errors.New("connection state changed concurrently")
)
