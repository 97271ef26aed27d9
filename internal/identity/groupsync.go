package identity

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// GroupDiff is the set of membership changes needed to make the stored groups
// equal the asserted groups.
type GroupDiff struct {
	ToAdd    map[string]struct{}
	ToRemove map[string]struct{}
}

// DiffGroups computes remote minus local and local minus remote. Names are
// compared by exact string equality, with no case folding or trimming.
func DiffGroups(remoteGroups map[string]struct{}, localGroups map[string]struct{}) GroupDiff {
	diff := GroupDiff{
		ToAdd:    make(map[string]struct{}),
		ToRemove: make(map[string]struct{}),
	}
	for name := range remoteGroups {
		if _, stored := localGroups[name]; !stored {
			diff.ToAdd[name] = struct{}{}
		}
	}
	for name := range localGroups {
		if _, asserted := remoteGroups[name]; !asserted {
			diff.ToRemove[name] = struct{}{}
		}
	}
	return diff
}

// Empty reports whether the diff requires no membership changes.
func (diff GroupDiff) Empty() bool {
	return len(diff.ToAdd) == 0 && len(diff.ToRemove) == 0
}

// syncGroups reconciles the user's stored memberships against the asserted
// groups. It is a no-op unless the identity requested a group sync. Asserted
// names with no stored group in the default organization are silently skipped.
func (registrar *Registrar) syncGroups(ctx context.Context, tx DirectoryTx, asserted AssertedIdentity, user User) error {
	if !asserted.SyncGroups {
		return nil
	}

	currentGroups, currentErr := tx.GroupNamesForLogin(ctx, user.Login)
	if currentErr != nil {
		return fmt.Errorf("identity.sync_groups.current: %w", currentErr)
	}

	registrar.logger.Debug("groups returned by the identity provider",
		zap.String("login", user.Login),
		zap.Strings("groups", sortedNames(asserted.Groups)))

	diff := DiffGroups(asserted.Groups, currentGroups)
	if diff.Empty() {
		return nil
	}

	organizationID, organizationErr := registrar.organizations.DefaultOrganizationID(ctx)
	if organizationErr != nil {
		return fmt.Errorf("identity.sync_groups.organization: %w", organizationErr)
	}

	changedNames := make([]string, 0, len(diff.ToAdd)+len(diff.ToRemove))
	changedNames = append(changedNames, sortedNames(diff.ToAdd)...)
	changedNames = append(changedNames, sortedNames(diff.ToRemove)...)

	groupsByName, resolveErr := tx.GroupsByNames(ctx, organizationID, changedNames)
	if resolveErr != nil {
		return fmt.Errorf("identity.sync_groups.resolve: %w", resolveErr)
	}

	for _, name := range sortedNames(diff.ToAdd) {
		group, known := groupsByName[name]
		if !known {
			continue
		}
		registrar.logger.Debug("adding group to user",
			zap.String("group", group.Name),
			zap.String("login", user.Login))
		if err := tx.InsertMembership(ctx, group.ID, user.ID); err != nil {
			return fmt.Errorf("identity.sync_groups.insert: %w", err)
		}
		registrar.metrics.Increment("sync_groups.added")
	}
	for _, name := range sortedNames(diff.ToRemove) {
		group, known := groupsByName[name]
		if !known {
			continue
		}
		registrar.logger.Debug("removing group from user",
			zap.String("group", group.Name),
			zap.String("login", user.Login))
		if err := tx.DeleteMembership(ctx, group.ID, user.ID); err != nil {
			return fmt.Errorf("identity.sync_groups.delete: %w", err)
		}
		registrar.metrics.Increment("sync_groups.removed")
	}
	return nil
}

func sortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
