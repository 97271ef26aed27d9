package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("directory.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("directory.empty_database_url")
	errSQLiteEmptyPath     = errors.New("directory.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("directory.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("directory.unsupported_no_scheme")
)

// DatabaseDirectory persists users, groups, and memberships using GORM.
type DatabaseDirectory struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (directory *DatabaseDirectory) Driver() string {
	return directory.driverLabel
}

type userRecord struct {
	UserID                string `gorm:"column:user_id;primaryKey"`
	Login                 string `gorm:"column:login;index;not null"`
	Active                bool   `gorm:"column:active;not null;default:true"`
	Email                 string `gorm:"column:email;index"`
	Name                  string `gorm:"column:name"`
	ExternalProviderKey   string `gorm:"column:external_provider_key;not null;default:''"`
	ExternalProviderLogin string `gorm:"column:external_provider_login;not null;default:''"`
	CryptedPassword       string `gorm:"column:crypted_password;not null;default:''"`
	CreatedAtUnix         int64  `gorm:"column:created_at_unix;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

type organizationRecord struct {
	OrganizationID string `gorm:"column:organization_id;primaryKey"`
	Kee            string `gorm:"column:kee;uniqueIndex;not null"`
	IsDefault      bool   `gorm:"column:is_default;not null;default:false"`
}

func (organizationRecord) TableName() string {
	return "organizations"
}

type groupRecord struct {
	GroupID        string `gorm:"column:group_id;primaryKey"`
	OrganizationID string `gorm:"column:organization_id;uniqueIndex:idx_groups_org_name;not null"`
	Name           string `gorm:"column:name;uniqueIndex:idx_groups_org_name;not null"`
}

func (groupRecord) TableName() string {
	return "groups"
}

type membershipRecord struct {
	GroupID string `gorm:"column:group_id;primaryKey"`
	UserID  string `gorm:"column:user_id;primaryKey"`
}

func (membershipRecord) TableName() string {
	return "group_memberships"
}

// NewDatabaseDirectory constructs a GORM-backed directory, migrates the
// schema, and makes sure the default organization row exists.
func NewDatabaseDirectory(ctx context.Context, databaseURL string) (*DatabaseDirectory, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("directory.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("directory.open.%s: %w", driverLabel, openErr)
	}
	migrateErr := gormDB.WithContext(ctx).AutoMigrate(
		&userRecord{}, &organizationRecord{}, &groupRecord{}, &membershipRecord{})
	if migrateErr != nil {
		return nil, fmt.Errorf("directory.migrate.%s: %w", driverLabel, migrateErr)
	}
	directory := &DatabaseDirectory{
		db:          gormDB,
		driverLabel: driverLabel,
	}
	if seedErr := directory.ensureDefaultOrganization(ctx); seedErr != nil {
		return nil, seedErr
	}
	return directory, nil
}

func (directory *DatabaseDirectory) ensureDefaultOrganization(ctx context.Context) error {
	record := organizationRecord{
		OrganizationID: uuid.NewString(),
		Kee:            DefaultOrganizationKey,
		IsDefault:      true,
	}
	err := directory.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "kee"}}, DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("directory.seed_organization.%s: %w", directory.driverLabel, err)
	}
	return nil
}

// DefaultOrganizationID implements OrganizationProvider.
func (directory *DatabaseDirectory) DefaultOrganizationID(ctx context.Context) (string, error) {
	var record organizationRecord
	err := directory.db.WithContext(ctx).Where("is_default = ?", true).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("directory.default_organization.%s: %w", directory.driverLabel, ErrOrganizationNotFound)
		}
		return "", fmt.Errorf("directory.default_organization.%s: %w", directory.driverLabel, err)
	}
	return record.OrganizationID, nil
}

// InTransaction runs fn inside one database transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
func (directory *DatabaseDirectory) InTransaction(ctx context.Context, fn func(tx DirectoryTx) error) error {
	return directory.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&databaseDirectoryTx{db: tx, driverLabel: directory.driverLabel})
	})
}

// UsersByLogins returns the stored users matching the given logins, preferring
// active records when a login has accumulated more than one.
func (directory *DatabaseDirectory) UsersByLogins(ctx context.Context, logins []string) ([]User, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	var records []userRecord
	err := directory.db.WithContext(ctx).
		Where("login IN ?", logins).
		Order("active DESC").
		Order("created_at_unix DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("directory.users_by_logins.%s: %w", directory.driverLabel, err)
	}
	seen := make(map[string]struct{}, len(records))
	users := make([]User, 0, len(records))
	for _, record := range records {
		if _, duplicate := seen[record.Login]; duplicate {
			continue
		}
		seen[record.Login] = struct{}{}
		users = append(users, record.toUser())
	}
	return users, nil
}

// SeedGroup inserts a group into the given organization. Used by provisioning
// and tests; group management has no other write path in this service.
func (directory *DatabaseDirectory) SeedGroup(ctx context.Context, organizationID string, name string) (Group, error) {
	record := groupRecord{
		GroupID:        uuid.NewString(),
		OrganizationID: organizationID,
		Name:           name,
	}
	if err := directory.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Group{}, fmt.Errorf("directory.seed_group.%s: %w", directory.driverLabel, err)
	}
	return Group{ID: record.GroupID, OrganizationID: record.OrganizationID, Name: record.Name}, nil
}

func (record userRecord) toUser() User {
	return User{
		ID:                    record.UserID,
		Login:                 record.Login,
		Active:                record.Active,
		Email:                 record.Email,
		Name:                  record.Name,
		ExternalProviderKey:   record.ExternalProviderKey,
		ExternalProviderLogin: record.ExternalProviderLogin,
	}
}

type databaseDirectoryTx struct {
	db          *gorm.DB
	driverLabel string
}

func (tx *databaseDirectoryTx) FindUserByLogin(ctx context.Context, login string) (User, bool, error) {
	var record userRecord
	err := tx.db.WithContext(ctx).
		Where("login = ?", login).
		Order("active DESC").
		Order("created_at_unix DESC").
		Limit(1).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, false, nil
		}
		return User{}, false, fmt.Errorf("directory.find_user.%s: %w", tx.driverLabel, err)
	}
	return record.toUser(), true, nil
}

func (tx *databaseDirectoryTx) FindUserByLoginOrFail(ctx context.Context, login string) (User, error) {
	user, found, err := tx.FindUserByLogin(ctx, login)
	if err != nil {
		return User{}, err
	}
	if !found {
		return User{}, fmt.Errorf("directory.find_user.%s: %w", tx.driverLabel, ErrUserNotFound)
	}
	return user, nil
}

func (tx *databaseDirectoryTx) EmailExists(ctx context.Context, email string) (bool, error) {
	if email == "" {
		return false, nil
	}
	var count int64
	err := tx.db.WithContext(ctx).
		Model(&userRecord{}).
		Where("email = ?", email).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("directory.email_exists.%s: %w", tx.driverLabel, err)
	}
	return count > 0, nil
}

func (tx *databaseDirectoryTx) CreateUser(ctx context.Context, newUser NewUser) error {
	record := userRecord{
		UserID:                uuid.NewString(),
		Login:                 newUser.Login,
		Active:                true,
		Email:                 newUser.Email,
		Name:                  newUser.Name,
		ExternalProviderKey:   newUser.ExternalProviderKey,
		ExternalProviderLogin: newUser.ExternalProviderLogin,
		CreatedAtUnix:         time.Now().UTC().Unix(),
	}
	if err := tx.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("directory.create_user.%s: %w", tx.driverLabel, err)
	}
	return nil
}

func (tx *databaseDirectoryTx) UpdateUser(ctx context.Context, update UpdateUser) error {
	values := map[string]interface{}{
		"email":                   update.Email,
		"name":                    update.Name,
		"external_provider_key":   update.ExternalProviderKey,
		"external_provider_login": update.ExternalProviderLogin,
	}
	if update.ClearCredentials {
		values["crypted_password"] = ""
	}
	err := tx.db.WithContext(ctx).
		Model(&userRecord{}).
		Where("login = ? AND active = ?", update.Login, true).
		Updates(values).Error
	if err != nil {
		return fmt.Errorf("directory.update_user.%s: %w", tx.driverLabel, err)
	}
	return nil
}

func (tx *databaseDirectoryTx) GroupNamesForLogin(ctx context.Context, login string) (map[string]struct{}, error) {
	var groupNames []string
	err := tx.db.WithContext(ctx).
		Table("groups").
		Select("groups.name").
		Joins("JOIN group_memberships ON group_memberships.group_id = groups.group_id").
		Joins("JOIN users ON users.user_id = group_memberships.user_id").
		Where("users.login = ?", login).
		Scan(&groupNames).Error
	if err != nil {
		return nil, fmt.Errorf("directory.group_names.%s: %w", tx.driverLabel, err)
	}
	names := make(map[string]struct{}, len(groupNames))
	for _, name := range groupNames {
		names[name] = struct{}{}
	}
	return names, nil
}

func (tx *databaseDirectoryTx) GroupsByNames(ctx context.Context, organizationID string, names []string) (map[string]Group, error) {
	byName := make(map[string]Group, len(names))
	if len(names) == 0 {
		return byName, nil
	}
	var records []groupRecord
	err := tx.db.WithContext(ctx).
		Where("organization_id = ? AND name IN ?", organizationID, names).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("directory.groups_by_names.%s: %w", tx.driverLabel, err)
	}
	for _, record := range records {
		byName[record.Name] = Group{
			ID:             record.GroupID,
			OrganizationID: record.OrganizationID,
			Name:           record.Name,
		}
	}
	return byName, nil
}

func (tx *databaseDirectoryTx) InsertMembership(ctx context.Context, groupID string, userID string) error {
	record := membershipRecord{GroupID: groupID, UserID: userID}
	err := tx.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("directory.insert_membership.%s: %w", tx.driverLabel, err)
	}
	return nil
}

func (tx *databaseDirectoryTx) DeleteMembership(ctx context.Context, groupID string, userID string) error {
	err := tx.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Delete(&membershipRecord{}).Error
	if err != nil {
		return fmt.Errorf("directory.delete_membership.%s: %w", tx.driverLabel, err)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("directory.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("directory.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("directory.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("directory.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
