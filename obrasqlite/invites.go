// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAlreadyMember  = errors.New("email already belongs to this tenant")
	ErrInviteExists   = errors.New("a pending invite already exists for this email")
	ErrInviteNotFound = errors.New("invite not found or already used")
	ErrInviteExpired  = errors.New("invite expired")
)

// InviteTTL is how long an invite stays acceptable.
const InviteTTL = 7 * 24 * time.Hour

// Invites is the tenant-scoped invite repository.
type Invites struct {
	scope *Scope
}

// NewInvites creates an invite repository bound to scope.
func NewInvites(scope *Scope) *Invites { return &Invites{scope: scope} }

// Create issues an invite for email. It fails when the plan has no free
// seat, the email is already a member, or a pending invite exists.
func (r *Invites) Create(ctx context.Context, email string, role Role, invitedBy, message string) (Invite, error) {
	email = normalizeEmail(email)
	if email == "" {
		return Invite{}, fmt.Errorf("invite email is required")
	}
	ok, err := NewTenants(r.scope.store).CanAddUser(ctx, r.scope.tenantID)
	if err != nil {
		return Invite{}, err
	}
	if !ok {
		return Invite{}, ErrUserLimitReached
	}

	members, err := r.scope.Select(ctx, "usuarios", Filter{Where: "email = ?", Args: []any{email}, Limit: 1, IncludeInactive: true})
	if err != nil {
		return Invite{}, err
	}
	if len(members) > 0 {
		return Invite{}, ErrAlreadyMember
	}

	pending, err := r.scope.Select(ctx, "convites_tenant", Filter{
		Where: "email = ? AND status = ?", Args: []any{email, string(InvitePending)}, Limit: 1,
	})
	if err != nil {
		return Invite{}, err
	}
	if len(pending) > 0 {
		return Invite{}, ErrInviteExists
	}

	id, err := r.scope.Insert(ctx, "convites_tenant", Values{
		"email":          email,
		"perfil_tenant":  string(role),
		"token":          uuid.NewString(),
		"enviado_por":    invitedBy,
		"data_expiracao": r.scope.store.now().Add(InviteTTL),
		"status":         string(InvitePending),
		"mensagem":       nullIfEmpty(message),
	})
	if err != nil {
		if IsConstraint(err) {
			return Invite{}, ErrInviteExists
		}
		return Invite{}, err
	}
	row, err := r.scope.Get(ctx, "convites_tenant", id)
	if err != nil {
		return Invite{}, err
	}
	return inviteFromRow(row), nil
}

// Pending lists the tenant's pending invites, newest first.
func (r *Invites) Pending(ctx context.Context) ([]Invite, error) {
	rows, err := r.scope.Select(ctx, "convites_tenant", Filter{
		Where: "status = ?", Args: []any{string(InvitePending)}, OrderBy: "created_at DESC, id DESC",
	})
	if err != nil {
		return nil, err
	}
	out := make([]Invite, 0, len(rows))
	for _, row := range rows {
		out = append(out, inviteFromRow(row))
	}
	return out, nil
}

// Accept consumes a pending invite and creates the member with the invited
// role in the same transaction. An expired invite is marked expirado.
func (r *Invites) Accept(ctx context.Context, token string, user NewUser) (User, error) {
	rows, err := r.scope.Select(ctx, "convites_tenant", Filter{
		Where: "token = ? AND status = ?", Args: []any{token, string(InvitePending)}, Limit: 1,
	})
	if err != nil {
		return User{}, err
	}
	if len(rows) == 0 {
		return User{}, ErrInviteNotFound
	}
	inv := inviteFromRow(rows[0])

	if r.scope.store.now().After(inv.ExpiresAt) {
		if err := r.scope.Update(ctx, "convites_tenant", inv.UUID, Values{"status": string(InviteExpired)}); err != nil {
			return User{}, err
		}
		return User{}, ErrInviteExpired
	}

	user.Email = inv.Email
	user.Role = inv.Role
	var userID string
	err = r.scope.store.WithTx(ctx, func(tx *Tx) error {
		sc := r.scope.InTx(tx)
		if err := sc.Update(ctx, "convites_tenant", inv.UUID, Values{"status": string(InviteAccepted)}); err != nil {
			return err
		}
		var err error
		userID, err = (&Users{}).insert(ctx, sc, user)
		return err
	})
	if err != nil {
		return User{}, err
	}
	return NewUsers(r.scope).ByUUID(ctx, userID)
}

// Cancel withdraws a pending invite.
func (r *Invites) Cancel(ctx context.Context, inviteUUID string) error {
	return r.scope.Update(ctx, "convites_tenant", inviteUUID, Values{"status": string(InviteCanceled)})
}

// ExpireStale marks pending invites past their expiration as expirado and
// returns how many changed.
func (r *Invites) ExpireStale(ctx context.Context) (int, error) {
	rows, err := r.scope.Select(ctx, "convites_tenant", Filter{
		Where: "status = ? AND julianday(data_expiracao) < julianday(?)",
		Args:  []any{string(InvitePending), FormatTime(r.scope.store.now())},
	})
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if err := r.scope.Update(ctx, "convites_tenant", row.String("uuid"), Values{"status": string(InviteExpired)}); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}
