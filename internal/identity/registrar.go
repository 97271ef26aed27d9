package identity

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Registrar reconciles identities asserted by external providers against local
// accounts: it creates or updates the account, synchronizes group memberships,
// and commits everything as one transaction.
type Registrar struct {
	directory     Directory
	organizations OrganizationProvider
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// NewRegistrar constructs a Registrar with explicit collaborators.
func NewRegistrar(directory Directory, organizations OrganizationProvider, logger *zap.Logger, metrics MetricsRecorder) *Registrar {
	if directory == nil {
		panic("directory is required")
	}
	if organizations == nil {
		panic("organization provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &Registrar{
		directory:     directory,
		organizations: organizations,
		logger:        logger,
		metrics:       metrics,
	}
}

// Authenticate registers the asserted identity and returns the local account.
// An existing active account is updated in place; anything else goes through
// the new-user path, which the provider policy may reject with an
// AuthenticationError. The user upsert and the group sync share one
// transaction scope, so no partial state is ever visible.
func (registrar *Registrar) Authenticate(ctx context.Context, asserted AssertedIdentity, provider Provider, source Source) (User, error) {
	var authenticated User
	txErr := registrar.directory.InTransaction(ctx, func(tx DirectoryTx) error {
		existing, found, findErr := tx.FindUserByLogin(ctx, asserted.Login)
		if findErr != nil {
			return fmt.Errorf("identity.authenticate.lookup: %w", findErr)
		}
		// An inactive account is treated as absent and falls through to the
		// new-user path. Reactivation is deliberately not attempted here.
		if found && existing.Active {
			updated, updateErr := registrar.registerExistingUser(ctx, tx, existing, asserted, provider)
			if updateErr != nil {
				return updateErr
			}
			authenticated = updated
			return nil
		}
		created, createErr := registrar.registerNewUser(ctx, tx, asserted, provider, source)
		if createErr != nil {
			return createErr
		}
		authenticated = created
		return nil
	})
	if txErr != nil {
		return User{}, txErr
	}
	return authenticated, nil
}

func (registrar *Registrar) registerExistingUser(ctx context.Context, tx DirectoryTx, existing User, asserted AssertedIdentity, provider Provider) (User, error) {
	update := UpdateUser{
		Login:                 existing.Login,
		Email:                 asserted.Email,
		Name:                  asserted.Name,
		ExternalProviderKey:   provider.Key,
		ExternalProviderLogin: asserted.ProviderLogin,
		ClearCredentials:      true,
	}
	if err := tx.UpdateUser(ctx, update); err != nil {
		return User{}, fmt.Errorf("identity.authenticate.update: %w", err)
	}
	existing.Email = asserted.Email
	existing.Name = asserted.Name
	existing.ExternalProviderKey = provider.Key
	existing.ExternalProviderLogin = asserted.ProviderLogin

	if err := registrar.syncGroups(ctx, tx, asserted, existing); err != nil {
		return User{}, err
	}
	registrar.metrics.Increment("authenticate.existing_user")
	return existing, nil
}

func (registrar *Registrar) registerNewUser(ctx context.Context, tx DirectoryTx, asserted AssertedIdentity, provider Provider, source Source) (User, error) {
	if !provider.AllowsSignUp {
		registrar.metrics.Increment("authenticate.signup_disabled")
		return User{}, newSignupDisabledError(source, asserted.Login, provider.Key)
	}

	if asserted.Email != "" {
		taken, emailErr := tx.EmailExists(ctx, asserted.Email)
		if emailErr != nil {
			return User{}, fmt.Errorf("identity.authenticate.email_lookup: %w", emailErr)
		}
		if taken {
			registrar.metrics.Increment("authenticate.duplicate_email")
			return User{}, newDuplicateEmailError(source, asserted.Login, asserted.Email)
		}
	}

	createErr := tx.CreateUser(ctx, NewUser{
		Login:                 asserted.Login,
		Email:                 asserted.Email,
		Name:                  asserted.Name,
		ExternalProviderKey:   provider.Key,
		ExternalProviderLogin: asserted.ProviderLogin,
	})
	if createErr != nil {
		return User{}, fmt.Errorf("identity.authenticate.create: %w", createErr)
	}

	// Re-fetch the canonical record to pick up the generated identifier.
	created, refetchErr := tx.FindUserByLoginOrFail(ctx, asserted.Login)
	if refetchErr != nil {
		return User{}, fmt.Errorf("identity.authenticate.refetch: %w", refetchErr)
	}

	if err := registrar.syncGroups(ctx, tx, asserted, created); err != nil {
		return User{}, err
	}
	registrar.metrics.Increment("authenticate.new_user")
	return created, nil
}
