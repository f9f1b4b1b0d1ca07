// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasqlite

import (
	"encoding/json"
	"time"
)

// Stored enum values keep the app's Portuguese vocabulary.

type Plan string

const (
	PlanBasic      Plan = "basico"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
	PlanCustom     Plan = "custom"
)

type TenantStatus string

const (
	TenantActive    TenantStatus = "ativo"
	TenantSuspended TenantStatus = "suspenso"
	TenantCanceled  TenantStatus = "cancelado"
	TenantTrial     TenantStatus = "trial"
)

// Role is a user's role within a tenant.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEngineer Role = "engenheiro"
	RoleForeman  Role = "mestre"
	RoleOperator Role = "operador"
	RoleVisitor  Role = "visitante"
)

type GlobalRole string

const (
	GlobalSuperAdmin  GlobalRole = "super_admin"
	GlobalTenantAdmin GlobalRole = "tenant_admin"
	GlobalUser        GlobalRole = "user"
)

type InviteStatus string

const (
	InvitePending  InviteStatus = "pendente"
	InviteAccepted InviteStatus = "aceito"
	InviteExpired  InviteStatus = "expirado"
	InviteCanceled InviteStatus = "cancelado"
)

type ProjectStatus string

const (
	ProjectPlanning ProjectStatus = "planejamento"
	ProjectStarted  ProjectStatus = "iniciada"
	ProjectPaused   ProjectStatus = "pausada"
	ProjectDone     ProjectStatus = "concluida"
	ProjectCanceled ProjectStatus = "cancelada"
)

// Tenant is an organization account, the unit of data isolation.
type Tenant struct {
	ID                 string          `json:"id"`
	Name               string          `json:"nome"`
	Slug               string          `json:"slug"`
	CNPJ               string          `json:"cnpj,omitempty"`
	ContactEmail       string          `json:"email_contato"`
	Phone              string          `json:"telefone,omitempty"`
	Address            string          `json:"endereco,omitempty"`
	LogoURL            string          `json:"logo_url,omitempty"`
	Website            string          `json:"website,omitempty"`
	Plan               Plan            `json:"plano"`
	Status             TenantStatus    `json:"status"`
	MaxUsers           int             `json:"limite_usuarios"`
	MaxProjects        int             `json:"limite_obras"`
	MaxStorageGB       int             `json:"limite_storage_gb"`
	Settings           json.RawMessage `json:"configuracoes,omitempty"`
	TrialEndsAt        *time.Time      `json:"trial_end_date,omitempty"`
	SubscriptionEndsAt *time.Time      `json:"subscription_end_date,omitempty"`
	BillingEmail       string          `json:"billing_email,omitempty"`
	BillingAddress     string          `json:"billing_address,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	SyncedAt           *time.Time      `json:"synced_at,omitempty"`
	Active             bool            `json:"is_active"`
}

func tenantFromRow(r Row) Tenant {
	t := Tenant{
		ID:                 r.String("id"),
		Name:               r.String("nome"),
		Slug:               r.String("slug"),
		CNPJ:               r.String("cnpj"),
		ContactEmail:       r.String("email_contato"),
		Phone:              r.String("telefone"),
		Address:            r.String("endereco"),
		LogoURL:            r.String("logo_url"),
		Website:            r.String("website"),
		Plan:               Plan(r.String("plano")),
		Status:             TenantStatus(r.String("status")),
		MaxUsers:           int(r.Int64("limite_usuarios")),
		MaxProjects:        int(r.Int64("limite_obras")),
		MaxStorageGB:       int(r.Int64("limite_storage_gb")),
		TrialEndsAt:        r.TimePtr("trial_end_date"),
		SubscriptionEndsAt: r.TimePtr("subscription_end_date"),
		BillingEmail:       r.String("billing_email"),
		BillingAddress:     r.String("billing_address"),
		SyncedAt:           r.TimePtr("synced_at"),
		Active:             r.Bool("is_active"),
	}
	if s := r.String("configuracoes"); s != "" {
		t.Settings = json.RawMessage(s)
	}
	t.CreatedAt, _ = r.Time("created_at")
	t.UpdatedAt, _ = r.Time("updated_at")
	return t
}

// User belongs to exactly one tenant. UUID matches the remote auth subject.
type User struct {
	ID            int64      `json:"id"`
	UUID          string     `json:"uuid"`
	TenantID      string     `json:"tenant_id"`
	Name          string     `json:"nome"`
	Email         string     `json:"email"`
	Phone         string     `json:"telefone,omitempty"`
	Role          Role       `json:"perfil"`
	GlobalRole    GlobalRole `json:"perfil_global"`
	TenantOwner   bool       `json:"is_tenant_owner"`
	AvatarURL     string     `json:"avatar_url,omitempty"`
	Company       string     `json:"empresa,omitempty"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	EmailVerified bool       `json:"email_verified"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
	Active        bool       `json:"is_active"`
}

func userFromRow(r Row) User {
	u := User{
		ID:            r.Int64("id"),
		UUID:          r.String("uuid"),
		TenantID:      r.String("tenant_id"),
		Name:          r.String("nome"),
		Email:         r.String("email"),
		Phone:         r.String("telefone"),
		Role:          Role(r.String("perfil")),
		GlobalRole:    GlobalRole(r.String("perfil_global")),
		TenantOwner:   r.Bool("is_tenant_owner"),
		AvatarURL:     r.String("avatar_url"),
		Company:       r.String("empresa"),
		LastLoginAt:   r.TimePtr("last_login_at"),
		EmailVerified: r.Bool("email_verified"),
		SyncedAt:      r.TimePtr("synced_at"),
		Active:        r.Bool("is_active"),
	}
	u.CreatedAt, _ = r.Time("created_at")
	u.UpdatedAt, _ = r.Time("updated_at")
	return u
}

// Invite offers an email address a role in a tenant.
type Invite struct {
	UUID      string       `json:"uuid"`
	TenantID  string       `json:"tenant_id"`
	Email     string       `json:"email"`
	Role      Role         `json:"perfil_tenant"`
	Token     string       `json:"token"`
	InvitedBy string       `json:"enviado_por"`
	ExpiresAt time.Time    `json:"data_expiracao"`
	Status    InviteStatus `json:"status"`
	Message   string       `json:"mensagem,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

func inviteFromRow(r Row) Invite {
	inv := Invite{
		UUID:      r.String("uuid"),
		TenantID:  r.String("tenant_id"),
		Email:     r.String("email"),
		Role:      Role(r.String("perfil_tenant")),
		Token:     r.String("token"),
		InvitedBy: r.String("enviado_por"),
		Status:    InviteStatus(r.String("status")),
		Message:   r.String("mensagem"),
	}
	inv.ExpiresAt, _ = r.Time("data_expiracao")
	inv.CreatedAt, _ = r.Time("created_at")
	return inv
}

// Project ("obra") is a construction site.
type Project struct {
	UUID            string        `json:"uuid"`
	TenantID        string        `json:"tenant_id"`
	Name            string        `json:"nome"`
	Description     string        `json:"descricao,omitempty"`
	Address         string        `json:"endereco,omitempty"`
	StartDate       *time.Time    `json:"data_inicio,omitempty"`
	ExpectedEndDate *time.Time    `json:"data_prevista_fim,omitempty"`
	ActualEndDate   *time.Time    `json:"data_real_fim,omitempty"`
	Status          ProjectStatus `json:"status"`
	Budget          float64       `json:"orcamento_total"`
	CurrentCost     float64       `json:"custo_atual"`
	Progress        float64       `json:"progresso_percentual"`
	ResponsibleID   string        `json:"responsavel_id,omitempty"`
	Client          string        `json:"cliente,omitempty"`
	Contract        string        `json:"contrato,omitempty"`
	Notes           string        `json:"observacoes,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	SyncedAt        *time.Time    `json:"synced_at,omitempty"`
	Active          bool          `json:"is_active"`
}

func projectFromRow(r Row) Project {
	p := Project{
		UUID:            r.String("uuid"),
		TenantID:        r.String("tenant_id"),
		Name:            r.String("nome"),
		Description:     r.String("descricao"),
		Address:         r.String("endereco"),
		StartDate:       r.TimePtr("data_inicio"),
		ExpectedEndDate: r.TimePtr("data_prevista_fim"),
		ActualEndDate:   r.TimePtr("data_real_fim"),
		Status:          ProjectStatus(r.String("status")),
		Budget:          r.Float64("orcamento_total"),
		CurrentCost:     r.Float64("custo_atual"),
		Progress:        r.Float64("progresso_percentual"),
		ResponsibleID:   r.String("responsavel_id"),
		Client:          r.String("cliente"),
		Contract:        r.String("contrato"),
		Notes:           r.String("observacoes"),
		SyncedAt:        r.TimePtr("synced_at"),
		Active:          r.Bool("is_active"),
	}
	p.CreatedAt, _ = r.Time("created_at")
	p.UpdatedAt, _ = r.Time("updated_at")
	return p
}

// Usage is one used/limit pair with its rounded percentage.
type Usage struct {
	Used    int `json:"used" yaml:"used"`
	Limit   int `json:"limit" yaml:"limit"`
	Percent int `json:"percent" yaml:"percent"`
}

// StorageUsage compares megabytes used with the plan's gigabyte quota.
type StorageUsage struct {
	UsedMB  int `json:"used_mb" yaml:"used_mb"`
	LimitGB int `json:"limit_gb" yaml:"limit_gb"`
	Percent int `json:"percent" yaml:"percent"`
}

// Limits is a tenant's plan usage.
type Limits struct {
	Users    Usage        `json:"users" yaml:"users"`
	Projects Usage        `json:"projects" yaml:"projects"`
	Storage  StorageUsage `json:"storage" yaml:"storage"`
}
