// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined
// here. This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// SERVER DEFAULTS
// =============================================================================

// DefaultHost is the downstream bind address.
const DefaultHost = "0.0.0.0"

// DefaultPort is the downstream bind port.
const DefaultPort = 8000

// DefaultDatabasePath is the embedded store file; the directory is auto-created.
const DefaultDatabasePath = "data/chat.db"

// DefaultCORSOrigins covers the usual local frontend dev servers.
const DefaultCORSOrigins = "http://localhost:3000,http://localhost:5173"

// DefaultServerWriteTimeout for the HTTP server (safe for long-lived streams).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultServerReadTimeout for request headers and bodies.
const DefaultServerReadTimeout = 30 * time.Second

// ShutdownGrace is how long graceful shutdown waits before forcing exit.
const ShutdownGrace = 10 * time.Second

// =============================================================================
// UPSTREAM CONNECTION DEFAULTS
// =============================================================================

// DialTimeout bounds the TCP/TLS/WebSocket open attempt to a gateway.
const DialTimeout = 15 * time.Second

// HandshakeTimeout bounds the whole open-to-authenticated sequence, including
// waiting for the connect.challenge event.
const HandshakeTimeout = 15 * time.Second

// RequestTimeout is the default deadline for an upstream request.
const RequestTimeout = 30 * time.Second

// ReconnectBaseDelay is the first rung of the backoff ladder.
const ReconnectBaseDelay = 1 * time.Second

// ReconnectMaxDelay caps the backoff ladder: min(base<<n, max).
const ReconnectMaxDelay = 30 * time.Second

// MaxReconnectAttempts is the number of consecutive failed dials before the
// connection goes terminal and stops retrying.
const MaxReconnectAttempts = 10

// ProtocolVersion is the only upstream protocol revision we speak.
const ProtocolVersion = 3

// EventBufferSize is the per-subscriber event channel depth.
const EventBufferSize = 256

// =============================================================================
// REST / HISTORY DEFAULTS
// =============================================================================

// DefaultHistoryLimit is the message page size when the caller omits limit.
const DefaultHistoryLimit = 50

// MaxHistoryLimit clamps the message page size.
const MaxHistoryLimit = 500

// SessionsListTimeout bounds the upstream sessions.list call before falling
// back to the local store.
const SessionsListTimeout = 5 * time.Second

// HistoryFetchTimeout bounds the upstream chat.history call before falling
// back to the local store.
const HistoryFetchTimeout = 10 * time.Second

// MaxRequestBodySize is the maximum allowed REST request body (1MB).
const MaxRequestBodySize = 1 * 1024 * 1024

// =============================================================================
// STORE DEFAULTS
// =============================================================================

// BusyTimeout is how long SQLite waits for the writer lock before returning
// a busy error.
const BusyTimeout = 5 * time.Second

// MaxBusyRetries bounds the retry loop around transient busy errors.
const MaxBusyRetries = 5

// BusyRetryBaseDelay is the starting delay between busy retries (randomized).
const BusyRetryBaseDelay = 25 * time.Millisecond
