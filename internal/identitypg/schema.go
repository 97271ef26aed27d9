package identitypg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates tables if they do not exist and seeds the default
// organization row.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS organizations (
    organization_id TEXT PRIMARY KEY,
    kee TEXT NOT NULL UNIQUE,
    is_default BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS users (
    user_id TEXT PRIMARY KEY,
    login TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    email TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    external_provider_key TEXT NOT NULL DEFAULT '',
    external_provider_login TEXT NOT NULL DEFAULT '',
    crypted_password TEXT NOT NULL DEFAULT '',
    created_at_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_login ON users (login);
CREATE INDEX IF NOT EXISTS idx_users_email ON users (email);
CREATE TABLE IF NOT EXISTS groups (
    group_id TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL,
    name TEXT NOT NULL,
    UNIQUE (organization_id, name)
);
CREATE TABLE IF NOT EXISTS group_memberships (
    group_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    PRIMARY KEY (group_id, user_id)
);
INSERT INTO organizations (organization_id, kee, is_default)
VALUES ('org-default', 'default-organization', TRUE)
ON CONFLICT (kee) DO NOTHING;
`)
	return err
}
