package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/repository"
)

// ResolveApprovers returns who is told about a user's leave: the reporting
// officer and the active department admins, without the user. Global admins
// are used only when nobody else is found.
func ResolveApprovers(ctx context.Context, store repository.Store, owner domain.User) ([]domain.User, error) {
	seen := map[string]bool{owner.ID: true}
	approvers := make([]domain.User, 0)
	add := func(user domain.User) {
		if seen[user.ID] || !user.IsActive || user.Number == "" {
			return
		}
		seen[user.ID] = true
		approvers = append(approvers, user)
	}

	if owner.ReportingOfficerID != "" {
		officer, err := store.GetUser(ctx, owner.ReportingOfficerID)
		switch {
		case err == nil:
			add(*officer)
		case !errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("load reporting officer: %w", err)
		}
	}

	if owner.Department != "" {
		admins, err := store.ListDepartmentAdmins(ctx, owner.Department)
		if err != nil {
			return nil, fmt.Errorf("list department admins: %w", err)
		}
		for _, admin := range admins {
			add(admin)
		}
	}

	if len(approvers) > 0 {
		return approvers, nil
	}
	admins, err := store.ListGlobalAdmins(ctx)
	if err != nil {
		return nil, fmt.Errorf("list global admins: %w", err)
	}
	for _, admin := range admins {
		add(admin)
	}
	return approvers, nil
}
