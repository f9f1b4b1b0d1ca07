// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasqlite

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrUserLimitReached is returned when a tenant has no seats left.
var ErrUserLimitReached = errors.New("user limit reached for the tenant plan")

// CreateTenant is the input of Tenants.Create.
type CreateTenant struct {
	Name         string
	Slug         string
	ContactEmail string
	Phone        string
	CNPJ         string
	Plan         Plan
}

// Tenants manages tenant rows. Tenants are not themselves tenant scoped.
type Tenants struct {
	store *Store
}

// NewTenants creates the tenant repository.
func NewTenants(store *Store) *Tenants { return &Tenants{store: store} }

// Create inserts a tenant and its usage row atomically.
func (r *Tenants) Create(ctx context.Context, in CreateTenant) (Tenant, error) {
	var id string
	err := r.store.WithTx(ctx, func(tx *Tx) error {
		var err error
		id, err = r.createTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return Tenant{}, err
	}
	return r.ByID(ctx, id)
}

func (r *Tenants) createTx(ctx context.Context, tx *Tx, in CreateTenant) (string, error) {
	if strings.TrimSpace(in.Name) == "" {
		return "", fmt.Errorf("tenant name is required")
	}
	if strings.TrimSpace(in.ContactEmail) == "" {
		return "", fmt.Errorf("tenant contact email is required")
	}
	plan := in.Plan
	if plan == "" {
		plan = PlanBasic
	}

	base := in.Slug
	if base == "" {
		base = Slugify(in.Name)
	}
	if base == "" {
		base = "tenant"
	}
	slug, err := uniqueSlug(ctx, tx, base)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := FormatTime(r.store.now())
	if _, err := tx.Execute(ctx, `
		INSERT INTO tenants (id, nome, slug, email_contato, telefone, cnpj, plano, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.Name, slug, in.ContactEmail, nullIfEmpty(in.Phone), nullIfEmpty(in.CNPJ), string(plan), now, now); err != nil {
		return "", err
	}
	if _, err := tx.Execute(ctx, `INSERT INTO tenant_usage (tenant_id, ultimo_calculo) VALUES (?, ?)`, id, now); err != nil {
		return "", err
	}
	r.store.logger.Info("tenant created", "tenant_id", id, "slug", slug)
	return id, nil
}

func uniqueSlug(ctx context.Context, tx *Tx, base string) (string, error) {
	slug := base
	for n := 2; ; n++ {
		rows, err := tx.Select(ctx, `SELECT 1 FROM tenants WHERE slug = ?`, slug)
		if err != nil {
			return "", err
		}
		if len(rows) == 0 {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, n)
	}
}

// Slugify lowercases name, strips accents and collapses every other
// non-alphanumeric run into a single dash.
func Slugify(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, strings.ToLower(name))
	if err != nil {
		plain = strings.ToLower(name)
	}

	var b strings.Builder
	dash := false
	for _, r := range plain {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// ByID returns a tenant regardless of its active flag.
func (r *Tenants) ByID(ctx context.Context, id string) (Tenant, error) {
	rows, err := r.store.Select(ctx, `SELECT * FROM tenants WHERE id = ?`, id)
	if err != nil {
		return Tenant{}, err
	}
	if len(rows) == 0 {
		return Tenant{}, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	return tenantFromRow(rows[0]), nil
}

// BySlug returns the active tenant with slug.
func (r *Tenants) BySlug(ctx context.Context, slug string) (Tenant, error) {
	rows, err := r.store.Select(ctx, `SELECT * FROM tenants WHERE slug = ? AND is_active = 1`, slug)
	if err != nil {
		return Tenant{}, err
	}
	if len(rows) == 0 {
		return Tenant{}, fmt.Errorf("tenant %s: %w", slug, ErrNotFound)
	}
	return tenantFromRow(rows[0]), nil
}

// Update changes tenant columns. The id cannot change.
func (r *Tenants) Update(ctx context.Context, id string, v Values) error {
	info, err := r.store.TableInfo(ctx, "tenants")
	if err != nil {
		return err
	}
	row := make(Values, len(v)+1)
	for k, val := range v {
		k = strings.ToLower(k)
		if k == "id" {
			return fmt.Errorf("column id cannot be updated")
		}
		row[k] = val
	}
	if len(row) == 0 {
		return nil
	}
	if _, ok := row["updated_at"]; !ok {
		row["updated_at"] = FormatTime(r.store.now())
	}
	cols, args, err := sortedColumns(info, row)
	if err != nil {
		return err
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	res, err := r.store.Execute(ctx,
		fmt.Sprintf(`UPDATE tenants SET %s WHERE id = ?`, strings.Join(sets, ", ")),
		append(args, id)...)
	if err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetStatus changes the subscription status.
func (r *Tenants) SetStatus(ctx context.Context, id string, status TenantStatus) error {
	return r.Update(ctx, id, Values{"status": string(status)})
}

// SoftDelete deactivates the tenant.
func (r *Tenants) SoftDelete(ctx context.Context, id string) error {
	return r.Update(ctx, id, Values{"is_active": 0})
}

// RefreshUsage recomputes the tenant_usage counters from live rows.
func (r *Tenants) RefreshUsage(ctx context.Context, id string) error {
	_, err := r.store.Execute(ctx, `
		UPDATE tenant_usage SET
			usuarios_ativos  = (SELECT COUNT(*) FROM usuarios WHERE tenant_id = ?1 AND is_active = 1),
			obras_ativas     = (SELECT COUNT(*) FROM obras WHERE tenant_id = ?1 AND is_active = 1),
			tarefas_total    = (SELECT COUNT(*) FROM tarefas WHERE tenant_id = ?1 AND is_active = 1),
			documentos_total = (SELECT COUNT(*) FROM documentos WHERE tenant_id = ?1 AND is_active = 1),
			storage_usado_mb = (SELECT COALESCE(SUM(arquivo_tamanho), 0) / 1048576 FROM documentos WHERE tenant_id = ?1 AND is_active = 1),
			ultimo_calculo   = ?2
		WHERE tenant_id = ?1`, id, FormatTime(r.store.now()))
	return err
}

// Limits compares live usage with the tenant's plan limits.
func (r *Tenants) Limits(ctx context.Context, id string) (Limits, error) {
	t, err := r.ByID(ctx, id)
	if err != nil {
		return Limits{}, err
	}
	rows, err := r.store.Select(ctx, `
		SELECT
			(SELECT COUNT(*) FROM usuarios WHERE tenant_id = ?1 AND is_active = 1) AS users,
			(SELECT COUNT(*) FROM obras WHERE tenant_id = ?1 AND is_active = 1) AS projects,
			(SELECT COALESCE(MAX(storage_usado_mb), 0) FROM tenant_usage WHERE tenant_id = ?1) AS storage_mb`, id)
	if err != nil {
		return Limits{}, err
	}
	users := int(rows[0].Int64("users"))
	projects := int(rows[0].Int64("projects"))
	storage := int(rows[0].Int64("storage_mb"))

	return Limits{
		Users:    Usage{Used: users, Limit: t.MaxUsers, Percent: percent(users, t.MaxUsers)},
		Projects: Usage{Used: projects, Limit: t.MaxProjects, Percent: percent(projects, t.MaxProjects)},
		Storage: StorageUsage{
			UsedMB:  storage,
			LimitGB: t.MaxStorageGB,
			Percent: percent(storage, t.MaxStorageGB*1024),
		},
	}, nil
}

// CanAddUser reports whether the tenant has a free seat.
func (r *Tenants) CanAddUser(ctx context.Context, id string) (bool, error) {
	l, err := r.Limits(ctx, id)
	if err != nil {
		return false, err
	}
	return l.Users.Used < l.Users.Limit, nil
}

func percent(used, limit int) int {
	if limit <= 0 {
		return 0
	}
	return int(math.Round(float64(used) / float64(limit) * 100))
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
