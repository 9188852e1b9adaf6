package storage

// Config selects which checkpoint backend and payload encoding to use at runtime.
type Config struct {
	// Backend: "sqlite" (default), "postgres", "memory", or "none" to run
	// without checkpoints.
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty" validate:"omitempty,oneof=sqlite postgres postgresql memory none"`

	// DSN / connection string for the backend. For sqlite a file path or ":memory:".
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	// Codec for checkpoint payloads: "json" (default) or "msgpack".
	Codec string `json:"codec,omitempty" yaml:"codec,omitempty" validate:"omitempty,oneof=json msgpack"`

	// Compression: "none" (default), "gzip", "zstd".
	Compression string `json:"compression,omitempty" yaml:"compression,omitempty" validate:"omitempty,oneof=none gzip zstd"`

	// EncryptKey, when set, must decode to 32 bytes (hex) and enables AES-256-GCM.
	EncryptKey string `json:"encrypt_key,omitempty" yaml:"encrypt_key,omitempty" validate:"omitempty,hexadecimal,len=64"`
}
