package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/samotage/claude-headspace/internal/db/dialect"
	"github.com/samotage/claude-headspace/internal/timeline/models"
)

const projectColumns = `id, path, name, slug, description, upstream_repo, paused, paused_at, pause_reason, created_at, updated_at`

// CreateProject creates a new project.
func (s *Store) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	_, err := s.w.ExecContext(ctx, s.w.Rebind(`
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), project.ID, project.Path, project.Name, project.Slug, project.Description,
		project.UpstreamRepo, dialect.BoolToInt(project.Paused), project.PausedAt,
		project.PauseReason, project.CreatedAt, project.UpdatedAt)
	return mapError(err)
}

// UpsertProjectByPath creates the project or refreshes the existing row
// keyed by its unique path. On conflict the caller-supplied slug is
// ignored; the existing row wins.
func (s *Store) UpsertProjectByPath(ctx context.Context, project *models.Project) error {
	existing, err := s.GetProjectByPath(ctx, project.Path)
	if err == nil {
		existing.Name = project.Name
		if err := s.UpdateProject(ctx, existing); err != nil {
			return err
		}
		*project = *existing
		return nil
	}
	return s.CreateProject(ctx, project)
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return s.getProjectBy(ctx, "id", id)
}

// GetProjectByPath retrieves a project by its unique filesystem path.
func (s *Store) GetProjectByPath(ctx context.Context, path string) (*models.Project, error) {
	return s.getProjectBy(ctx, "path", path)
}

// GetProjectBySlug retrieves a project by its unique slug.
func (s *Store) GetProjectBySlug(ctx context.Context, slug string) (*models.Project, error) {
	return s.getProjectBy(ctx, "slug", slug)
}

func (s *Store) getProjectBy(ctx context.Context, column, value string) (*models.Project, error) {
	row := s.r.QueryRowxContext(ctx, s.r.Rebind(`
		SELECT `+projectColumns+` FROM projects WHERE `+column+` = ?
	`), value)
	return scanProject(row)
}

// UpdateProject updates an existing project.
func (s *Store) UpdateProject(ctx context.Context, project *models.Project) error {
	project.UpdatedAt = time.Now().UTC()

	result, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE projects
		SET path = ?, name = ?, slug = ?, description = ?, upstream_repo = ?,
			paused = ?, paused_at = ?, pause_reason = ?, updated_at = ?
		WHERE id = ?
	`), project.Path, project.Name, project.Slug, project.Description,
		project.UpstreamRepo, dialect.BoolToInt(project.Paused), project.PausedAt,
		project.PauseReason, project.UpdatedAt, project.ID)
	if err != nil {
		return mapError(err)
	}
	return requireRows(result)
}

// DeleteProject deletes a project; agents, tasks, and turns cascade and
// audit events keep their payload with entity references nulled.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	result, err := s.w.ExecContext(ctx, s.w.Rebind(`DELETE FROM projects WHERE id = ?`), id)
	if err != nil {
		return mapError(err)
	}
	return requireRows(result)
}

// ListProjects lists all projects ordered by creation time.
func (s *Store) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.r.QueryxContext(ctx, `
		SELECT `+projectColumns+` FROM projects ORDER BY created_at, id
	`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	project := &models.Project{}
	var paused int
	var pausedAt sql.NullTime
	err := row.Scan(&project.ID, &project.Path, &project.Name, &project.Slug,
		&project.Description, &project.UpstreamRepo, &paused, &pausedAt,
		&project.PauseReason, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	project.Paused = paused != 0
	if pausedAt.Valid {
		t := pausedAt.Time
		project.PausedAt = &t
	}
	return project, nil
}
