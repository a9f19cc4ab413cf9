package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		balance_sats BIGINT NOT NULL DEFAULT 0 CHECK (balance_sats >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		owner_user_id UUID NOT NULL REFERENCES users(id),
		name TEXT NOT NULL,
		hardware JSONB NOT NULL DEFAULT '{}',
		models JSONB NOT NULL DEFAULT '[]',
		price_per_minute_sats BIGINT NOT NULL,
		hardware_fingerprint TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'online',
		current_session_id UUID,
		load DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		total_earned_sats BIGINT NOT NULL DEFAULT 0,
		total_sessions BIGINT NOT NULL DEFAULT 0,
		completed_sessions BIGINT NOT NULL DEFAULT 0,
		failed_sessions BIGINT NOT NULL DEFAULT 0,
		total_tokens_generated BIGINT NOT NULL DEFAULT 0,
		endpoint TEXT NOT NULL DEFAULT '',
		first_online_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (owner_user_id, hardware_fingerprint)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		node_id TEXT NOT NULL REFERENCES nodes(id),
		model TEXT NOT NULL,
		hf_repo TEXT,
		context_length INT NOT NULL DEFAULT 4096,
		minutes_purchased INT NOT NULL,
		amount_sats BIGINT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending_payment',
		payment_method TEXT NOT NULL,
		payment_reference TEXT,
		refund_sats BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		paid_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		payment_hash TEXT PRIMARY KEY,
		bolt11 TEXT NOT NULL,
		amount_sats BIGINT NOT NULL,
		purpose TEXT NOT NULL,
		related_id TEXT NOT NULL,
		user_id UUID NOT NULL REFERENCES users(id),
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL,
		paid_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status)`,
	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		id BIGSERIAL PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		type TEXT NOT NULL,
		amount_sats BIGINT NOT NULL,
		fee_sats BIGINT NOT NULL DEFAULT 0 CHECK (fee_sats >= 0),
		balance_after BIGINT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		related_session_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_transactions(user_id, created_at DESC)`,
	// The house account collects commissions. Its password hash '!' matches no
	// bcrypt hash, so it cannot log in.
	`INSERT INTO users (username, email, password_hash, is_admin)
		VALUES ('house', 'house@localhost', '!', TRUE)
		ON CONFLICT (username) DO NOTHING`,
}

// Migrate applies the embedded schema. Statements are idempotent so running
// at every boot is safe.
func Migrate(ctx context.Context, db *DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	log.Info().Int("statements", len(migrations)).Msg("schema migrated")
	return nil
}
