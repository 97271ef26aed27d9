package identity

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// DefaultOrganizationKey names the single organization scope used for group
// membership in this deployment.
const DefaultOrganizationKey = "default-organization"

// MemoryDirectory is an in-memory Directory intended for tests and dev runs.
// InTransaction snapshots the whole state and restores it when the callback
// fails, so rollback behaves like the database-backed directories.
type MemoryDirectory struct {
	mutex          sync.Mutex
	users          []User
	groupsByID     map[string]Group
	memberships    map[string]map[string]struct{}
	organizationID string
}

// NewMemoryDirectory creates an empty in-memory directory with a default
// organization already in place.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		groupsByID:     make(map[string]Group),
		memberships:    make(map[string]map[string]struct{}),
		organizationID: DefaultOrganizationKey,
	}
}

// DefaultOrganizationID implements OrganizationProvider.
func (directory *MemoryDirectory) DefaultOrganizationID(ctx context.Context) (string, error) {
	return directory.organizationID, nil
}

// SeedUser inserts a user record directly, bypassing the registrar flow.
// An empty ID is replaced with a generated one. The stored record is returned.
func (directory *MemoryDirectory) SeedUser(user User) User {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	directory.users = append(directory.users, user)
	return user
}

// SeedGroup registers a group in the default organization and returns it.
func (directory *MemoryDirectory) SeedGroup(name string) Group {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	group := Group{
		ID:             uuid.NewString(),
		OrganizationID: directory.organizationID,
		Name:           name,
	}
	directory.groupsByID[group.ID] = group
	return group
}

// GroupNames returns the current group names for a login, outside any
// transaction. Test helper.
func (directory *MemoryDirectory) GroupNames(login string) map[string]struct{} {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	tx := &memoryDirectoryTx{directory: directory}
	names, _ := tx.GroupNamesForLogin(context.Background(), login)
	return names
}

// UserCount returns the number of stored user records. Test helper.
func (directory *MemoryDirectory) UserCount() int {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	return len(directory.users)
}

// InTransaction runs fn against a transactional view of the directory. All
// changes are discarded when fn returns an error.
func (directory *MemoryDirectory) InTransaction(ctx context.Context, fn func(tx DirectoryTx) error) error {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	snapshotUsers, snapshotGroups, snapshotMemberships := directory.cloneLocked()
	if err := fn(&memoryDirectoryTx{directory: directory}); err != nil {
		directory.users = snapshotUsers
		directory.groupsByID = snapshotGroups
		directory.memberships = snapshotMemberships
		return err
	}
	return nil
}

// UsersByLogins returns the stored users matching the given logins, preferring
// active records when a login has accumulated more than one.
func (directory *MemoryDirectory) UsersByLogins(ctx context.Context, logins []string) ([]User, error) {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	matched := make([]User, 0, len(logins))
	for _, login := range logins {
		if user, found := directory.lookupLocked(login); found {
			matched = append(matched, user)
		}
	}
	return matched, nil
}

func (directory *MemoryDirectory) lookupLocked(login string) (User, bool) {
	var latest User
	var found bool
	for _, user := range directory.users {
		if user.Login != login {
			continue
		}
		if user.Active {
			return user, true
		}
		latest = user
		found = true
	}
	return latest, found
}

func (directory *MemoryDirectory) cloneLocked() ([]User, map[string]Group, map[string]map[string]struct{}) {
	users := make([]User, len(directory.users))
	copy(users, directory.users)

	groups := make(map[string]Group, len(directory.groupsByID))
	for groupID, group := range directory.groupsByID {
		groups[groupID] = group
	}

	memberships := make(map[string]map[string]struct{}, len(directory.memberships))
	for groupID, userIDs := range directory.memberships {
		cloned := make(map[string]struct{}, len(userIDs))
		for userID := range userIDs {
			cloned[userID] = struct{}{}
		}
		memberships[groupID] = cloned
	}
	return users, groups, memberships
}

// memoryDirectoryTx operates on the already-locked directory state.
type memoryDirectoryTx struct {
	directory *MemoryDirectory
}

func (tx *memoryDirectoryTx) FindUserByLogin(ctx context.Context, login string) (User, bool, error) {
	user, found := tx.directory.lookupLocked(login)
	return user, found, nil
}

func (tx *memoryDirectoryTx) FindUserByLoginOrFail(ctx context.Context, login string) (User, error) {
	user, found := tx.directory.lookupLocked(login)
	if !found {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (tx *memoryDirectoryTx) EmailExists(ctx context.Context, email string) (bool, error) {
	if email == "" {
		return false, nil
	}
	for _, user := range tx.directory.users {
		if user.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryDirectoryTx) CreateUser(ctx context.Context, newUser NewUser) error {
	tx.directory.users = append(tx.directory.users, User{
		ID:                    uuid.NewString(),
		Login:                 newUser.Login,
		Active:                true,
		Email:                 newUser.Email,
		Name:                  newUser.Name,
		ExternalProviderKey:   newUser.ExternalProviderKey,
		ExternalProviderLogin: newUser.ExternalProviderLogin,
	})
	return nil
}

func (tx *memoryDirectoryTx) UpdateUser(ctx context.Context, update UpdateUser) error {
	for index, user := range tx.directory.users {
		if user.Login != update.Login || !user.Active {
			continue
		}
		user.Email = update.Email
		user.Name = update.Name
		user.ExternalProviderKey = update.ExternalProviderKey
		user.ExternalProviderLogin = update.ExternalProviderLogin
		tx.directory.users[index] = user
	}
	return nil
}

func (tx *memoryDirectoryTx) GroupNamesForLogin(ctx context.Context, login string) (map[string]struct{}, error) {
	names := make(map[string]struct{})
	for _, user := range tx.directory.users {
		if user.Login != login {
			continue
		}
		for groupID, userIDs := range tx.directory.memberships {
			if _, member := userIDs[user.ID]; !member {
				continue
			}
			if group, known := tx.directory.groupsByID[groupID]; known {
				names[group.Name] = struct{}{}
			}
		}
	}
	return names, nil
}

func (tx *memoryDirectoryTx) GroupsByNames(ctx context.Context, organizationID string, names []string) (map[string]Group, error) {
	wanted := make(map[string]struct{}, len(names))
	for _, name := range names {
		wanted[name] = struct{}{}
	}
	byName := make(map[string]Group)
	for _, group := range tx.directory.groupsByID {
		if group.OrganizationID != organizationID {
			continue
		}
		if _, requested := wanted[group.Name]; requested {
			byName[group.Name] = group
		}
	}
	return byName, nil
}

func (tx *memoryDirectoryTx) InsertMembership(ctx context.Context, groupID string, userID string) error {
	userIDs, exists := tx.directory.memberships[groupID]
	if !exists {
		userIDs = make(map[string]struct{})
		tx.directory.memberships[groupID] = userIDs
	}
	userIDs[userID] = struct{}{}
	return nil
}

func (tx *memoryDirectoryTx) DeleteMembership(ctx context.Context, groupID string, userID string) error {
	if userIDs, exists := tx.directory.memberships[groupID]; exists {
		delete(userIDs, userID)
	}
	return nil
}
