package types

// PredictRequest is the body of POST /predict.
type PredictRequest struct {
	// Prompt text. In instructional mode it is wrapped in the configured prefix and suffix.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt"`
}

// PredictionStats describe the work done by one prediction.
type PredictionStats struct {
	PromptTokens int `json:"prompt_tokens"`
	Matched      int `json:"matched"`
	Reused       int `json:"reused"`
	Decoded      int `json:"decoded"`
	Generated    int `json:"generated"`
}

// PredictionEvent is one NDJSON line of a /predict stream.
type PredictionEvent struct {
	// started, token, context, completed, cancelled or failed.
	Event string `json:"event"`
	// Detokenized text of a generated token.
	Text string `json:"text,omitempty"`
	// Session context after a completed prediction.
	Context *SessionContext `json:"context,omitempty"`
	// Failure message and kind.
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
	// Work counters, set on the terminal event.
	Stats *PredictionStats `json:"stats,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// SnapshotsResponse wraps the list returned by GET /snapshots.
type SnapshotsResponse struct {
	Snapshots []Snapshot `json:"snapshots"`
}

// SnapshotRequest is the body of POST /snapshots.
type SnapshotRequest struct {
	Name string `json:"name"`
}

// ExportRequest is the body of POST /snapshots/{name}/export.
type ExportRequest struct {
	// File is a plain file name inside the server's cache directory.
	// Empty means "<name>.session".
	File string `json:"file,omitempty"`
}

// ExportResponse reports a written session cache.
type ExportResponse struct {
	Path   string `json:"path"`
	Tokens int    `json:"tokens"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error"`
	// HTTP status code.
	// example: 400
	Code int `json:"code"`
	// Error kind when the failure carries one.
	// example: prompt_too_long
	Kind string `json:"kind,omitempty"`
}

// RunCounters mirror the session's decode-loop counters.
type RunCounters struct {
	NPast            int  `json:"n_past"`
	NRemain          int  `json:"n_remain"`
	NConsumed        int  `json:"n_consumed"`
	NSessionConsumed int  `json:"n_session_consumed"`
	Pending          int  `json:"pending"`
	Input            int  `json:"input"`
	SessionTokens    int  `json:"session_tokens"`
	IsAntiprompt     bool `json:"is_antiprompt"`
}

// Totals accumulate over the session's lifetime.
type Totals struct {
	Predictions int `json:"predictions"`
	Completed   int `json:"completed"`
	Cancelled   int `json:"cancelled"`
	Failed      int `json:"failed"`
	Generated   int `json:"generated"`
	Decoded     int `json:"decoded"`
	Reused      int `json:"reused"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// idle, loading_model, ready, predicting or error.
	// example: ready
	State string `json:"state"`
	// Error behind the error state.
	LastError   string      `json:"last_error,omitempty"`
	ModelPath   string      `json:"model_path"`
	Loaded      bool        `json:"loaded"`
	ContextSize int         `json:"context_size"`
	InFlight    int         `json:"inflight"`
	Counters    RunCounters `json:"counters"`
	Totals      Totals      `json:"totals"`
	// Uptime of the server in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}
