package auth

// Known OAuth scopes used by the sync API.
const (
	ScopeSyncRead  = "sync:read"
	ScopeSyncWrite = "sync:write"
)
