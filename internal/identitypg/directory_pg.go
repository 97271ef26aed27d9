package identitypg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lbndev/sonarqube/internal/identity"
)

// PostgresDirectory persists users, groups, and memberships in PostgreSQL.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory constructs a Postgres-backed directory.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

// DefaultOrganizationID implements identity.OrganizationProvider.
func (directory *PostgresDirectory) DefaultOrganizationID(ctx context.Context) (string, error) {
	var organizationID string
	row := directory.pool.QueryRow(ctx, `
SELECT organization_id FROM organizations WHERE is_default = TRUE
`)
	if scanErr := row.Scan(&organizationID); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", fmt.Errorf("directory.default_organization.pgx: %w", identity.ErrOrganizationNotFound)
		}
		return "", fmt.Errorf("directory.default_organization.pgx: %w", scanErr)
	}
	return organizationID, nil
}

// InTransaction runs fn inside one database transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
func (directory *PostgresDirectory) InTransaction(ctx context.Context, fn func(tx identity.DirectoryTx) error) error {
	return pgx.BeginFunc(ctx, directory.pool, func(tx pgx.Tx) error {
		return fn(&postgresDirectoryTx{tx: tx})
	})
}

// UsersByLogins returns the stored users matching the given logins, preferring
// active records when a login has accumulated more than one.
func (directory *PostgresDirectory) UsersByLogins(ctx context.Context, logins []string) ([]identity.User, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	rows, queryErr := directory.pool.Query(ctx, `
SELECT DISTINCT ON (login) user_id, login, active, email, name, external_provider_key, external_provider_login
FROM users
WHERE login = ANY($1)
ORDER BY login, active DESC, created_at_unix DESC
`, logins)
	if queryErr != nil {
		return nil, fmt.Errorf("directory.users_by_logins.pgx: %w", queryErr)
	}
	defer rows.Close()

	var users []identity.User
	for rows.Next() {
		var user identity.User
		scanErr := rows.Scan(&user.ID, &user.Login, &user.Active, &user.Email, &user.Name,
			&user.ExternalProviderKey, &user.ExternalProviderLogin)
		if scanErr != nil {
			return nil, fmt.Errorf("directory.users_by_logins.pgx: %w", scanErr)
		}
		users = append(users, user)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("directory.users_by_logins.pgx: %w", rowsErr)
	}
	return users, nil
}

type postgresDirectoryTx struct {
	tx pgx.Tx
}

func (directoryTx *postgresDirectoryTx) FindUserByLogin(ctx context.Context, login string) (identity.User, bool, error) {
	var user identity.User
	row := directoryTx.tx.QueryRow(ctx, `
SELECT user_id, login, active, email, name, external_provider_key, external_provider_login
FROM users
WHERE login = $1
ORDER BY active DESC, created_at_unix DESC
LIMIT 1
`, login)
	scanErr := row.Scan(&user.ID, &user.Login, &user.Active, &user.Email, &user.Name,
		&user.ExternalProviderKey, &user.ExternalProviderLogin)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return identity.User{}, false, nil
		}
		return identity.User{}, false, fmt.Errorf("directory.find_user.pgx: %w", scanErr)
	}
	return user, true, nil
}

func (directoryTx *postgresDirectoryTx) FindUserByLoginOrFail(ctx context.Context, login string) (identity.User, error) {
	user, found, findErr := directoryTx.FindUserByLogin(ctx, login)
	if findErr != nil {
		return identity.User{}, findErr
	}
	if !found {
		return identity.User{}, fmt.Errorf("directory.find_user.pgx: %w", identity.ErrUserNotFound)
	}
	return user, nil
}

func (directoryTx *postgresDirectoryTx) EmailExists(ctx context.Context, email string) (bool, error) {
	if email == "" {
		return false, nil
	}
	var count int64
	row := directoryTx.tx.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE email = $1`, email)
	if scanErr := row.Scan(&count); scanErr != nil {
		return false, fmt.Errorf("directory.email_exists.pgx: %w", scanErr)
	}
	return count > 0, nil
}

func (directoryTx *postgresDirectoryTx) CreateUser(ctx context.Context, newUser identity.NewUser) error {
	_, execErr := directoryTx.tx.Exec(ctx, `
INSERT INTO users (user_id, login, active, email, name, external_provider_key, external_provider_login, crypted_password, created_at_unix)
VALUES ($1, $2, TRUE, $3, $4, $5, $6, '', $7)
`, uuid.NewString(), newUser.Login, newUser.Email, newUser.Name,
		newUser.ExternalProviderKey, newUser.ExternalProviderLogin, time.Now().UTC().Unix())
	if execErr != nil {
		return fmt.Errorf("directory.create_user.pgx: %w", execErr)
	}
	return nil
}

func (directoryTx *postgresDirectoryTx) UpdateUser(ctx context.Context, update identity.UpdateUser) error {
	query := `
UPDATE users
SET email = $1, name = $2, external_provider_key = $3, external_provider_login = $4
WHERE login = $5 AND active = TRUE
`
	if update.ClearCredentials {
		query = `
UPDATE users
SET email = $1, name = $2, external_provider_key = $3, external_provider_login = $4, crypted_password = ''
WHERE login = $5 AND active = TRUE
`
	}
	_, execErr := directoryTx.tx.Exec(ctx, query,
		update.Email, update.Name, update.ExternalProviderKey, update.ExternalProviderLogin, update.Login)
	if execErr != nil {
		return fmt.Errorf("directory.update_user.pgx: %w", execErr)
	}
	return nil
}

func (directoryTx *postgresDirectoryTx) GroupNamesForLogin(ctx context.Context, login string) (map[string]struct{}, error) {
	rows, queryErr := directoryTx.tx.Query(ctx, `
SELECT groups.name
FROM groups
JOIN group_memberships ON group_memberships.group_id = groups.group_id
JOIN users ON users.user_id = group_memberships.user_id
WHERE users.login = $1
`, login)
	if queryErr != nil {
		return nil, fmt.Errorf("directory.group_names.pgx: %w", queryErr)
	}
	defer rows.Close()

	names := make(map[string]struct{})
	for rows.Next() {
		var name string
		if scanErr := rows.Scan(&name); scanErr != nil {
			return nil, fmt.Errorf("directory.group_names.pgx: %w", scanErr)
		}
		names[name] = struct{}{}
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("directory.group_names.pgx: %w", rowsErr)
	}
	return names, nil
}

func (directoryTx *postgresDirectoryTx) GroupsByNames(ctx context.Context, organizationID string, names []string) (map[string]identity.Group, error) {
	byName := make(map[string]identity.Group, len(names))
	if len(names) == 0 {
		return byName, nil
	}
	rows, queryErr := directoryTx.tx.Query(ctx, `
SELECT group_id, organization_id, name
FROM groups
WHERE organization_id = $1 AND name = ANY($2)
`, organizationID, names)
	if queryErr != nil {
		return nil, fmt.Errorf("directory.groups_by_names.pgx: %w", queryErr)
	}
	defer rows.Close()

	for rows.Next() {
		var group identity.Group
		if scanErr := rows.Scan(&group.ID, &group.OrganizationID, &group.Name); scanErr != nil {
			return nil, fmt.Errorf("directory.groups_by_names.pgx: %w", scanErr)
		}
		byName[group.Name] = group
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("directory.groups_by_names.pgx: %w", rowsErr)
	}
	return byName, nil
}

func (directoryTx *postgresDirectoryTx) InsertMembership(ctx context.Context, groupID string, userID string) error {
	_, execErr := directoryTx.tx.Exec(ctx, `
INSERT INTO group_memberships (group_id, user_id)
VALUES ($1, $2)
ON CONFLICT (group_id, user_id) DO NOTHING
`, groupID, userID)
	if execErr != nil {
		return fmt.Errorf("directory.insert_membership.pgx: %w", execErr)
	}
	return nil
}

func (directoryTx *postgresDirectoryTx) DeleteMembership(ctx context.Context, groupID string, userID string) error {
	_, execErr := directoryTx.tx.Exec(ctx, `
DELETE FROM group_memberships
WHERE group_id = $1 AND user_id = $2
`, groupID, userID)
	if execErr != nil {
		return fmt.Errorf("directory.delete_membership.pgx: %w", execErr)
	}
	return nil
}
