package types

import "time"

// Model is a model file found in the models directory.
type Model struct {
	// File name, used as the identifier.
	// example: llama-7b.q4_0.gguf
	ID string `json:"id"`
	// Absolute path to the model file on disk.
	Path string `json:"path"`
	// Container format: gguf, ggmf or ggjt.
	Format string `json:"format,omitempty"`
	// Container format version.
	Version uint32 `json:"version,omitempty"`
	// Architecture declared by a GGUF header (e.g. llama).
	Architecture string `json:"architecture,omitempty"`
	// Size class derived from the layer count: 7B, 13B, 30B, 65B or unknown.
	Type string `json:"type,omitempty"`
	// Number of transformer layers.
	Layers uint32 `json:"layers,omitempty"`
	// File size in bytes.
	SizeBytes int64 `json:"size_bytes"`
	// Why the header could not be read, if it could not.
	Error string `json:"error,omitempty"`
}

// ContextToken is one token of a session context.
type ContextToken struct {
	ID   int32  `json:"id"`
	Text string `json:"text"`
}

// SessionContext is the text and tokens the model has seen so far.
type SessionContext struct {
	Text   string         `json:"text"`
	Tokens []ContextToken `json:"tokens"`
}

// Snapshot is a named, persisted SessionContext.
type Snapshot struct {
	Name      string    `json:"name"`
	ModelPath string    `json:"model_path"`
	Text      string    `json:"text"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotDetail is a snapshot with its full context.
type SnapshotDetail struct {
	Snapshot
	Context SessionContext `json:"context"`
}
