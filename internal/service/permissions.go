package service

import (
	"context"
	"fmt"
	"slices"

	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/store"
)

type Permission string

const (
	PermManageUsers     Permission = "manage_users"
	PermViewUsers       Permission = "view_users"
	PermManageProducts  Permission = "manage_products"
	PermViewProducts    Permission = "view_products"
	PermManageSales     Permission = "manage_sales"
	PermViewSales       Permission = "view_sales"
	PermManageCustomers Permission = "manage_customers"
	PermViewCustomers   Permission = "view_customers"
	PermViewReports     Permission = "view_reports"
	PermManageSettings  Permission = "manage_settings"
	PermViewLogs        Permission = "view_logs"
	PermManageBackups   Permission = "manage_backups"
)

var roleTemplates = map[string][]Permission{
	domain.RoleAdmin: {
		PermManageUsers, PermViewUsers,
		PermManageProducts, PermViewProducts,
		PermManageSales, PermViewSales,
		PermManageCustomers, PermViewCustomers,
		PermViewReports, PermManageSettings, PermViewLogs, PermManageBackups,
	},
	domain.RoleManager: {
		PermViewUsers,
		PermManageProducts, PermViewProducts,
		PermManageSales, PermViewSales,
		PermManageCustomers, PermViewCustomers,
		PermViewReports, PermViewLogs,
	},
	domain.RoleStaff: {
		PermViewProducts,
		PermManageSales, PermViewSales,
		PermViewCustomers,
	},
}

// Can reports whether role carries perm. Unknown roles carry nothing.
func Can(role string, perm Permission) bool {
	return slices.Contains(roleTemplates[role], perm)
}

// Permissions lists the permissions granted to role.
func Permissions(role string) []Permission {
	return slices.Clone(roleTemplates[role])
}

func ValidRole(role string) bool {
	_, ok := roleTemplates[role]
	return ok
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func authorize(ctx context.Context, perm Permission) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: no actor for %s", store.ErrForbidden, perm)
	}
	if !Can(actor.Role, perm) {
		return actor, fmt.Errorf("%w: role %q lacks %s", store.ErrForbidden, actor.Role, perm)
	}
	return actor, nil
}
