package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// Invoices are garbage-collected this long after their expiry.
const InvoiceRetention = 24 * time.Hour

// Outbound call deadlines
const (
	LightningCallTimeout = 30 * time.Second
	NodeRPCCallTimeout   = 15 * time.Second
)

// Per-route rate limits (requests per minute)
const (
	RegisterRateLimit   = 5
	LoginRateLimit      = 10
	NewSessionRateLimit = 20
	DefaultRateLimit    = 60
)
