package types

// ContextKey is the type of request-scoped values set by the HTTP layer.
type ContextKey string

const (
	ContextKeyUserID        ContextKey = "user_id"
	ContextKeySessionID     ContextKey = "session_id"
	ContextKeyRequestSource ContextKey = "request_source"
	ContextKeyRequestID     ContextKey = "request_id"
)
