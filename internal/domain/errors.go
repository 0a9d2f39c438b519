package domain

import "errors"

var (
	// ErrConnectionNotFound is returned when no connection exists for a
	// (user, provider) pair.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrCredentialsMissing indicates the user has no usable credentials for
	// the provider; the user must reconnect.
	ErrCredentialsMissing = errors.New("provider credentials missing")
	// ErrTokenRefreshFailed indicates the provider rejected the refresh token.
	ErrTokenRefreshFailed = errors.New("token refresh failed")
	// ErrUnsupportedProvider is returned at the boundary before any work is
	// enqueued for an unknown provider key.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrSyncRunNotFound is returned when a run id cannot be located.
	ErrSyncRunNotFound = errors.New("sync run not found")
	// ErrActivityNotFound is returned when an activity cannot be located.
	ErrActivityNotFound = errors.New("activity not found")
)
