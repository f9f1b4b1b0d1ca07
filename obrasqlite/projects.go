// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasqlite

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// NewProject is the input of Projects.Create.
type NewProject struct {
	Name            string
	Description     string
	Address         string
	StartDate       *time.Time
	ExpectedEndDate *time.Time
	Status          ProjectStatus
	Budget          float64
	ResponsibleID   string
	Client          string
	Contract        string
	Notes           string
}

// Projects is the tenant-scoped repository for obras.
type Projects struct {
	scope *Scope
}

// NewProjects creates a project repository bound to scope.
func NewProjects(scope *Scope) *Projects { return &Projects{scope: scope} }

// Create inserts a project; the capture trigger queues it for sync.
func (r *Projects) Create(ctx context.Context, in NewProject) (Project, error) {
	if strings.TrimSpace(in.Name) == "" {
		return Project{}, fmt.Errorf("project name is required")
	}
	status := in.Status
	if status == "" {
		status = ProjectPlanning
	}
	id, err := r.scope.Insert(ctx, "obras", Values{
		"nome":              in.Name,
		"descricao":         nullIfEmpty(in.Description),
		"endereco":          nullIfEmpty(in.Address),
		"data_inicio":       in.StartDate,
		"data_prevista_fim": in.ExpectedEndDate,
		"status":            string(status),
		"orcamento_total":   in.Budget,
		"responsavel_id":    nullIfEmpty(in.ResponsibleID),
		"cliente":           nullIfEmpty(in.Client),
		"contrato":          nullIfEmpty(in.Contract),
		"observacoes":       nullIfEmpty(in.Notes),
	})
	if err != nil {
		return Project{}, err
	}
	return r.ByUUID(ctx, id)
}

// ByUUID returns an active project.
func (r *Projects) ByUUID(ctx context.Context, id string) (Project, error) {
	row, err := r.scope.Get(ctx, "obras", id)
	if err != nil {
		return Project{}, err
	}
	return projectFromRow(row), nil
}

// List returns active projects, optionally filtered by status, newest first.
func (r *Projects) List(ctx context.Context, status ProjectStatus) ([]Project, error) {
	f := Filter{OrderBy: "created_at DESC, id DESC"}
	if status != "" {
		f.Where = "status = ?"
		f.Args = []any{string(status)}
	}
	rows, err := r.scope.Select(ctx, "obras", f)
	if err != nil {
		return nil, err
	}
	out := make([]Project, 0, len(rows))
	for _, row := range rows {
		out = append(out, projectFromRow(row))
	}
	return out, nil
}

// Update changes project columns.
func (r *Projects) Update(ctx context.Context, id string, v Values) error {
	return r.scope.Update(ctx, "obras", id, v)
}

// SetProgress records progress clamped to [0, 100].
func (r *Projects) SetProgress(ctx context.Context, id string, pct float64) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return r.scope.Update(ctx, "obras", id, Values{"progresso_percentual": pct})
}

// SoftDelete deactivates the project; it syncs as a DELETE.
func (r *Projects) SoftDelete(ctx context.Context, id string) error {
	return r.scope.SoftDelete(ctx, "obras", id)
}
