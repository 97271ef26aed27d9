package identity

// Source describes where an authentication request entered the system.
type Source struct {
	Method   string
	Provider string
}

// AssertedIdentity is the identity asserted by an external provider for one
// authentication call. Groups is only meaningful when SyncGroups is set.
type AssertedIdentity struct {
	Login         string
	Name          string
	Email         string
	ProviderLogin string
	Groups        map[string]struct{}
	SyncGroups    bool
}

// Provider carries the provider key and its sign-up policy.
type Provider struct {
	Key          string
	AllowsSignUp bool
}

// User is the locally persisted account owned by the directory store.
type User struct {
	ID                    string
	Login                 string
	Active                bool
	Email                 string
	Name                  string
	ExternalProviderKey   string
	ExternalProviderLogin string
}

// NewUser describes an account to create, bound to an external identity.
type NewUser struct {
	Login                 string
	Email                 string
	Name                  string
	ExternalProviderKey   string
	ExternalProviderLogin string
}

// UpdateUser describes the mutable fields refreshed on every external login.
// ClearCredentials drops any stored password because authentication was
// delegated to the external provider.
type UpdateUser struct {
	Login                 string
	Email                 string
	Name                  string
	ExternalProviderKey   string
	ExternalProviderLogin string
	ClearCredentials      bool
}

// Group is a named group scoped to one organization.
type Group struct {
	ID             string
	OrganizationID string
	Name           string
}
