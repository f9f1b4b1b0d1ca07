// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasqlite

import (
	"context"
	"fmt"
	"strings"
)

// NewUser is the input of Users.Create.
type NewUser struct {
	UUID        string
	Name        string
	Email       string
	Phone       string
	Role        Role
	GlobalRole  GlobalRole
	TenantOwner bool
}

// ProfileUpdate changes the self-editable profile fields; nil leaves a field alone.
type ProfileUpdate struct {
	Name      *string
	Phone     *string
	AvatarURL *string
}

// Users is the tenant-scoped user repository.
type Users struct {
	scope *Scope
}

// NewUsers creates a user repository bound to scope.
func NewUsers(scope *Scope) *Users { return &Users{scope: scope} }

// Create inserts a user into the scope's tenant.
func (r *Users) Create(ctx context.Context, in NewUser) (User, error) {
	id, err := r.insert(ctx, r.scope, in)
	if err != nil {
		return User{}, err
	}
	return r.ByUUID(ctx, id)
}

func (r *Users) insert(ctx context.Context, sc *Scope, in NewUser) (string, error) {
	email := normalizeEmail(in.Email)
	if email == "" || strings.TrimSpace(in.Name) == "" {
		return "", fmt.Errorf("user name and email are required")
	}
	role := in.Role
	if role == "" {
		role = RoleOperator
	}
	global := in.GlobalRole
	if global == "" {
		global = GlobalUser
	}
	return sc.Insert(ctx, "usuarios", Values{
		"uuid":            in.UUID,
		"nome":            in.Name,
		"email":           email,
		"telefone":        nullIfEmpty(in.Phone),
		"perfil":          string(role),
		"perfil_global":   string(global),
		"is_tenant_owner": in.TenantOwner,
	})
}

// ByUUID returns an active user.
func (r *Users) ByUUID(ctx context.Context, id string) (User, error) {
	row, err := r.scope.Get(ctx, "usuarios", id)
	if err != nil {
		return User{}, err
	}
	return userFromRow(row), nil
}

// ByEmail returns the active user with email in the scope's tenant.
func (r *Users) ByEmail(ctx context.Context, email string) (User, error) {
	rows, err := r.scope.Select(ctx, "usuarios", Filter{Where: "email = ?", Args: []any{normalizeEmail(email)}, Limit: 1})
	if err != nil {
		return User{}, err
	}
	if len(rows) == 0 {
		return User{}, fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	return userFromRow(rows[0]), nil
}

// List returns the tenant's active users ordered by name.
func (r *Users) List(ctx context.Context) ([]User, error) {
	rows, err := r.scope.Select(ctx, "usuarios", Filter{OrderBy: "nome ASC"})
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(rows))
	for _, row := range rows {
		users = append(users, userFromRow(row))
	}
	return users, nil
}

// UpdateProfile applies the non-nil fields of p.
func (r *Users) UpdateProfile(ctx context.Context, id string, p ProfileUpdate) error {
	v := Values{}
	if p.Name != nil {
		v["nome"] = *p.Name
	}
	if p.Phone != nil {
		v["telefone"] = *p.Phone
	}
	if p.AvatarURL != nil {
		v["avatar_url"] = *p.AvatarURL
	}
	return r.scope.Update(ctx, "usuarios", id, v)
}

// TouchLastLogin stamps last_login_at with the current time.
func (r *Users) TouchLastLogin(ctx context.Context, id string) error {
	return r.scope.Update(ctx, "usuarios", id, Values{"last_login_at": r.scope.store.now()})
}

// SoftDelete deactivates the user.
func (r *Users) SoftDelete(ctx context.Context, id string) error {
	return r.scope.SoftDelete(ctx, "usuarios", id)
}

// RegisterInput creates a tenant together with its owner account.
type RegisterInput struct {
	TenantName   string
	TenantSlug   string
	ContactEmail string
	Phone        string
	CNPJ         string
	Plan         Plan

	// UserUUID is the remote auth subject; generated when empty.
	UserUUID  string
	UserName  string
	UserEmail string
}

// Register creates the tenant, its usage row and the owner (admin,
// tenant_admin) in one transaction.
func Register(ctx context.Context, store *Store, in RegisterInput) (Tenant, User, error) {
	tenants := NewTenants(store)
	contact := in.ContactEmail
	if contact == "" {
		contact = in.UserEmail
	}

	var tenantID, userID string
	err := store.WithTx(ctx, func(tx *Tx) error {
		var err error
		tenantID, err = tenants.createTx(ctx, tx, CreateTenant{
			Name:         in.TenantName,
			Slug:         in.TenantSlug,
			ContactEmail: contact,
			Phone:        in.Phone,
			CNPJ:         in.CNPJ,
			Plan:         in.Plan,
		})
		if err != nil {
			return err
		}
		scope, err := store.ForTenant(tenantID)
		if err != nil {
			return err
		}
		userID, err = (&Users{}).insert(ctx, scope.InTx(tx), NewUser{
			UUID:        in.UserUUID,
			Name:        in.UserName,
			Email:       in.UserEmail,
			Phone:       in.Phone,
			Role:        RoleAdmin,
			GlobalRole:  GlobalTenantAdmin,
			TenantOwner: true,
		})
		return err
	})
	if err != nil {
		return Tenant{}, User{}, fmt.Errorf("failed to register tenant: %w", err)
	}

	tenant, err := tenants.ByID(ctx, tenantID)
	if err != nil {
		return Tenant{}, User{}, err
	}
	scope, _ := store.ForTenant(tenantID)
	user, err := NewUsers(scope).ByUUID(ctx, userID)
	if err != nil {
		return Tenant{}, User{}, err
	}
	return tenant, user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
