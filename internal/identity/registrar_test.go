package identity

import (
	"context"
	"reflect"
	"testing"

	"go.uber.org/zap/zaptest"
)

func newTestRegistrar(t *testing.T) (*Registrar, *MemoryDirectory, *CounterMetrics) {
	t.Helper()
	directory := NewMemoryDirectory()
	metrics := NewCounterMetrics()
	registrar := NewRegistrar(directory, directory, zaptest.NewLogger(t), metrics)
	return registrar, directory, metrics
}

func addMembership(t *testing.T, directory *MemoryDirectory, group Group, userID string) {
	t.Helper()
	err := directory.InTransaction(context.Background(), func(tx DirectoryTx) error {
		return tx.InsertMembership(context.Background(), group.ID, userID)
	})
	if err != nil {
		t.Fatalf("seed membership: %v", err)
	}
}

func TestNewRegistrarPanicsWithoutDirectory(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil directory")
		}
	}()
	NewRegistrar(nil, NewMemoryDirectory(), nil, nil)
}

func TestAuthenticateCreatesNewUser(t *testing.T) {
	t.Parallel()
	registrar, directory, metrics := newTestRegistrar(t)

	asserted := AssertedIdentity{
		Login:         "alice@example.com",
		Name:          "Alice",
		Email:         "alice@example.com",
		ProviderLogin: "google-sub-1",
	}
	provider := Provider{Key: "google", AllowsSignUp: true}
	source := Source{Method: "oauth", Provider: "google"}

	user, authErr := registrar.Authenticate(context.Background(), asserted, provider, source)
	if authErr != nil {
		t.Fatalf("authenticate: %v", authErr)
	}
	if user.ID == "" {
		t.Fatal("expected a generated user identifier")
	}
	if !user.Active {
		t.Fatal("new user should be active")
	}
	if user.Login != "alice@example.com" || user.Name != "Alice" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.ExternalProviderKey != "google" || user.ExternalProviderLogin != "google-sub-1" {
		t.Fatalf("provider binding not stored: %+v", user)
	}
	if directory.UserCount() != 1 {
		t.Fatalf("UserCount = %d, expected 1", directory.UserCount())
	}
	if metrics.Count("authenticate.new_user") != 1 {
		t.Fatalf("new_user counter = %d", metrics.Count("authenticate.new_user"))
	}
}

func TestAuthenticateUpdatesExistingActiveUser(t *testing.T) {
	t.Parallel()
	registrar, directory, metrics := newTestRegistrar(t)

	seeded := directory.SeedUser(User{
		Login:  "bob@example.com",
		Active: true,
		Email:  "old@example.com",
		Name:   "Old Name",
	})

	asserted := AssertedIdentity{
		Login:         "bob@example.com",
		Name:          "Bob",
		Email:         "bob@example.com",
		ProviderLogin: "google-sub-2",
	}
	user, authErr := registrar.Authenticate(context.Background(), asserted,
		Provider{Key: "google", AllowsSignUp: true}, Source{Method: "oauth", Provider: "google"})
	if authErr != nil {
		t.Fatalf("authenticate: %v", authErr)
	}
	if user.ID != seeded.ID {
		t.Fatalf("expected the existing account %q, got %q", seeded.ID, user.ID)
	}
	if user.Email != "bob@example.com" || user.Name != "Bob" {
		t.Fatalf("profile not refreshed: %+v", user)
	}
	if directory.UserCount() != 1 {
		t.Fatalf("UserCount = %d, expected 1", directory.UserCount())
	}
	if metrics.Count("authenticate.existing_user") != 1 {
		t.Fatalf("existing_user counter = %d", metrics.Count("authenticate.existing_user"))
	}
}

func TestAuthenticateTreatsInactiveUserAsAbsent(t *testing.T) {
	t.Parallel()
	registrar, directory, _ := newTestRegistrar(t)

	directory.SeedUser(User{Login: "carol@example.com", Active: false})

	asserted := AssertedIdentity{
		Login:         "carol@example.com",
		Name:          "Carol",
		Email:         "carol@example.com",
		ProviderLogin: "google-sub-3",
	}
	user, authErr := registrar.Authenticate(context.Background(), asserted,
		Provider{Key: "google", AllowsSignUp: true}, Source{Method: "oauth", Provider: "google"})
	if authErr != nil {
		t.Fatalf("authenticate: %v", authErr)
	}
	if !user.Active {
		t.Fatal("expected a fresh active account")
	}
	if directory.UserCount() != 2 {
		t.Fatalf("UserCount = %d, expected the inactive record plus a new one", directory.UserCount())
	}
}

func TestAuthenticateRejectsSignupWhenDisabled(t *testing.T) {
	t.Parallel()
	registrar, directory, metrics := newTestRegistrar(t)

	asserted := AssertedIdentity{Login: "dave@example.com", Email: "dave@example.com"}
	_, authErr := registrar.Authenticate(context.Background(), asserted,
		Provider{Key: "github", AllowsSignUp: false}, Source{Method: "oauth", Provider: "github"})
	if authErr == nil {
		t.Fatal("expected a policy rejection")
	}

	policyErr, isPolicy := AsAuthenticationError(authErr)
	if !isPolicy {
		t.Fatalf("expected AuthenticationError, got %T", authErr)
	}
	if policyErr.Kind != SignupDisabled {
		t.Fatalf("Kind = %q", policyErr.Kind)
	}
	if policyErr.Message != "User signup disabled for provider 'github'" {
		t.Fatalf("Message = %q", policyErr.Message)
	}
	if policyErr.PublicMessage != "'github' users are not allowed to sign up" {
		t.Fatalf("PublicMessage = %q", policyErr.PublicMessage)
	}
	if directory.UserCount() != 0 {
		t.Fatalf("UserCount = %d, nothing should be written", directory.UserCount())
	}
	if metrics.Count("authenticate.signup_disabled") != 1 {
		t.Fatalf("signup_disabled counter = %d", metrics.Count("authenticate.signup_disabled"))
	}
}

func TestAuthenticateRejectsDuplicateEmail(t *testing.T) {
	t.Parallel()
	registrar, directory, metrics := newTestRegistrar(t)

	directory.SeedUser(User{Login: "owner@example.com", Active: true, Email: "shared@example.com"})

	asserted := AssertedIdentity{Login: "intruder@example.com", Email: "shared@example.com"}
	_, authErr := registrar.Authenticate(context.Background(), asserted,
		Provider{Key: "google", AllowsSignUp: true}, Source{Method: "oauth", Provider: "google"})
	if authErr == nil {
		t.Fatal("expected a policy rejection")
	}

	policyErr, isPolicy := AsAuthenticationError(authErr)
	if !isPolicy {
		t.Fatalf("expected AuthenticationError, got %T", authErr)
	}
	if policyErr.Kind != DuplicateEmail {
		t.Fatalf("Kind = %q", policyErr.Kind)
	}
	if policyErr.Message != "Email 'shared@example.com' is already used" {
		t.Fatalf("Message = %q", policyErr.Message)
	}
	expectedPublic := "You can't sign up because email 'shared@example.com' is already used by an existing user. " +
		"This means that you probably already registered with another account."
	if policyErr.PublicMessage != expectedPublic {
		t.Fatalf("PublicMessage = %q", policyErr.PublicMessage)
	}
	if directory.UserCount() != 1 {
		t.Fatalf("UserCount = %d, only the seeded owner should remain", directory.UserCount())
	}
	if metrics.Count("authenticate.duplicate_email") != 1 {
		t.Fatalf("duplicate_email counter = %d", metrics.Count("authenticate.duplicate_email"))
	}
}

func TestAuthenticateSyncsGroupsForNewUser(t *testing.T) {
	t.Parallel()
	registrar, directory, metrics := newTestRegistrar(t)

	directory.SeedGroup("sonar-users")
	directory.SeedGroup("sonar-devs")

	asserted := AssertedIdentity{
		Login:         "erin@example.com",
		Email:         "erin@example.com",
		ProviderLogin: "google-sub-5",
		Groups:        namesSet("sonar-users", "sonar-devs", "unknown-upstream-team"),
		SyncGroups:    true,
	}
	_, authErr := registrar.Authenticate(context.Background(), asserted,
		Provider{Key: "google", AllowsSignUp: true}, Source{Method: "oauth", Provider: "google"})
	if authErr != nil {
		t.Fatalf("authenticate: %v", authErr)
	}

	stored := directory.GroupNames("erin@example.com")
	if !reflect.DeepEqual(stored, namesSet("sonar-users", "sonar-devs")) {
		t.Fatalf("stored groups = %v, the unknown name must be skipped", stored)
	}
	if metrics.Count("sync_groups.added") != 2 {
		t.Fatalf("added counter = %d", metrics.Count("sync_groups.added"))
	}
}

func TestAuthenticateRemovesStaleGroups(t *testing.T) {
	t.Parallel()
	registrar, directory, metrics := newTestRegistrar(t)

	user := directory.SeedUser(User{Login: "frank@example.com", Active: true, Email: "frank@example.com"})
	keep := directory.SeedGroup("sonar-users")
	stale := directory.SeedGroup("legacy-group")
	addMembership(t, directory, keep, user.ID)
	addMembership(t, directory, stale, user.ID)

	asserted := AssertedIdentity{
		Login:      "frank@example.com",
		Email:      "frank@example.com",
		Groups:     namesSet("sonar-users"),
		SyncGroups: true,
	}
	_, authErr := registrar.Authenticate(context.Background(), asserted,
		Provider{Key: "google", AllowsSignUp: true}, Source{Method: "oauth", Provider: "google"})
	if authErr != nil {
		t.Fatalf("authenticate: %v", authErr)
	}

	stored := directory.GroupNames("frank@example.com")
	if !reflect.DeepEqual(stored, namesSet("sonar-users")) {
		t.Fatalf("stored groups = %v", stored)
	}
	if metrics.Count("sync_groups.removed") != 1 {
		t.Fatalf("removed counter = %d", metrics.Count("sync_groups.removed"))
	}
}

func TestAuthenticateEmptyRemoteGroupsRemovesAll(t *testing.T) {
	t.Parallel()
	registrar, directory, _ := newTestRegistrar(t)

	user := directory.SeedUser(User{Login: "gina@example.com", Active: true, Email: "gina@example.com"})
	first := directory.SeedGroup("sonar-users")
	second := directory.SeedGroup("sonar-devs")
	addMembership(t, directory, first, user.ID)
	addMembership(t, directory, second, user.ID)

	asserted := AssertedIdentity{
		Login:      "gina@example.com",
		Email:      "gina@example.com",
		Groups:     namesSet(),
		SyncGroups: true,
	}
	_, authErr := registrar.Authenticate(context.Background(), asserted,
		Provider{Key: "google", AllowsSignUp: true}, Source{Method: "oauth", Provider: "google"})
	if authErr != nil {
		t.Fatalf("authenticate: %v", authErr)
	}

	if stored := directory.GroupNames("gina@example.com"); len(stored) != 0 {
		t.Fatalf("stored groups = %v, expected none", stored)
	}
}

func TestAuthenticateSkipsGroupSyncWhenDisabled(t *testing.T) {
	t.Parallel()
	registrar, directory, metrics := newTestRegistrar(t)

	user := directory.SeedUser(User{Login: "hugo@example.com", Active: true, Email: "hugo@example.com"})
	existing := directory.SeedGroup("legacy-group")
	addMembership(t, directory, existing, user.ID)

	asserted := AssertedIdentity{
		Login:      "hugo@example.com",
		Email:      "hugo@example.com",
		Groups:     namesSet("sonar-users"),
		SyncGroups: false,
	}
	_, authErr := registrar.Authenticate(context.Background(), asserted,
		Provider{Key: "google", AllowsSignUp: true}, Source{Method: "oauth", Provider: "google"})
	if authErr != nil {
		t.Fatalf("authenticate: %v", authErr)
	}

	stored := directory.GroupNames("hugo@example.com")
	if !reflect.DeepEqual(stored, namesSet("legacy-group")) {
		t.Fatalf("stored groups = %v, memberships must stay untouched", stored)
	}
	if metrics.Count("sync_groups.added") != 0 || metrics.Count("sync_groups.removed") != 0 {
		t.Fatal("no membership counters should move when sync is disabled")
	}
}

func TestAuthenticateIsIdempotentForGroups(t *testing.T) {
	t.Parallel()
	registrar, directory, metrics := newTestRegistrar(t)

	directory.SeedGroup("sonar-users")

	asserted := AssertedIdentity{
		Login:         "ivy@example.com",
		Email:         "ivy@example.com",
		ProviderLogin: "google-sub-9",
		Groups:        namesSet("sonar-users"),
		SyncGroups:    true,
	}
	provider := Provider{Key: "google", AllowsSignUp: true}
	source := Source{Method: "oauth", Provider: "google"}

	for round := 0; round < 2; round++ {
		if _, authErr := registrar.Authenticate(context.Background(), asserted, provider, source); authErr != nil {
			t.Fatalf("round %d: %v", round, authErr)
		}
	}

	stored := directory.GroupNames("ivy@example.com")
	if !reflect.DeepEqual(stored, namesSet("sonar-users")) {
		t.Fatalf("stored groups = %v", stored)
	}
	if metrics.Count("sync_groups.added") != 1 {
		t.Fatalf("added counter = %d, the second reconcile must be a no-op", metrics.Count("sync_groups.added"))
	}
	if directory.UserCount() != 1 {
		t.Fatalf("UserCount = %d", directory.UserCount())
	}
}
