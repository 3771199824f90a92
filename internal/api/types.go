package api

// CreateSessionRequest creates a new code session.
type CreateSessionRequest struct {
	Language string `json:"language"` // python, node, bash
	Code     string `json:"code"`
}

// UpdateCodeRequest replaces a session's source code.
type UpdateCodeRequest struct {
	Code string `json:"code"`
}

// RunResponse acknowledges an execution request. The execution itself
// happens asynchronously; poll GET /executions/{id} for the result.
type RunResponse struct {
	ExecutionID string `json:"execution_id"`
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
