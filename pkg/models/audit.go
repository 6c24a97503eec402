package models

import "time"

// AuditEntry records a single request event against the passport node.
// Record plaintext must never appear here — only metadata.
type AuditEntry struct {
	ID             int64
	RequestID      string
	Timestamp      time.Time
	CallerIdentity string
	Operation      string
	Path           string
	Status         string
	ResponseCode   int
	ResponseTimeMs int64
	ClientIP       string
	Metadata       map[string]any
}
