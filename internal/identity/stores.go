package identity

import "context"

// UserStore persists and retrieves local accounts inside a transaction scope.
type UserStore interface {
	FindUserByLogin(ctx context.Context, login string) (User, bool, error)
	FindUserByLoginOrFail(ctx context.Context, login string) (User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	CreateUser(ctx context.Context, newUser NewUser) error
	UpdateUser(ctx context.Context, update UpdateUser) error
}

// GroupStore resolves group names to stored groups.
type GroupStore interface {
	GroupNamesForLogin(ctx context.Context, login string) (map[string]struct{}, error)
	GroupsByNames(ctx context.Context, organizationID string, names []string) (map[string]Group, error)
}

// MembershipStore mutates user/group membership rows.
type MembershipStore interface {
	InsertMembership(ctx context.Context, groupID string, userID string) error
	DeleteMembership(ctx context.Context, groupID string, userID string) error
}

// DirectoryTx is the unit-of-work surface available inside one transaction.
type DirectoryTx interface {
	UserStore
	GroupStore
	MembershipStore
}

// Directory opens transaction scopes over the backing store and serves the
// read-only batch path. The callback's changes commit only when it returns nil;
// any error rolls the whole scope back.
type Directory interface {
	InTransaction(ctx context.Context, fn func(tx DirectoryTx) error) error
	UsersByLogins(ctx context.Context, logins []string) ([]User, error)
}

// OrganizationProvider yields the organization scope for group membership.
type OrganizationProvider interface {
	DefaultOrganizationID(ctx context.Context) (string, error)
}
