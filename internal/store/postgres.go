package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) UpsertProject(ctx context.Context, project Project) (Project, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, updated_at=NOW()
		RETURNING id, name, created_at, updated_at
	`, project.ID, project.Name).Scan(&project.ID, &project.Name, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("upsert project: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, updated_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&project.ID, &project.Name, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

func (s *PostgresStore) ListPages(ctx context.Context, projectID string) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, entry_id, title, humanized_content, edited_content, updated_at
		FROM pages
		WHERE project_id=$1
		ORDER BY sort_order, entry_id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	items := make([]Page, 0)
	for rows.Next() {
		var item Page
		if err := rows.Scan(&item.ProjectID, &item.EntryID, &item.Title, &item.HumanizedContent, &item.EditedContent, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPage(ctx context.Context, projectID, entryID string) (Page, error) {
	var item Page
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, entry_id, title, humanized_content, edited_content, updated_at
		FROM pages
		WHERE project_id=$1 AND entry_id=$2
	`, projectID, entryID).Scan(&item.ProjectID, &item.EntryID, &item.Title, &item.HumanizedContent, &item.EditedContent, &item.UpdatedAt)
	if err != nil {
		return Page{}, err
	}
	return item, nil
}

// UpsertPage creates the page or replaces its title and generated content.
// Edited content is left alone.
func (s *PostgresStore) UpsertPage(ctx context.Context, page Page) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (project_id, entry_id, title, humanized_content, sort_order)
		VALUES ($1, $2, $3, $4, (SELECT COUNT(*) FROM pages WHERE project_id=$1))
		ON CONFLICT (project_id, entry_id) DO UPDATE
		SET title=EXCLUDED.title, humanized_content=EXCLUDED.humanized_content, updated_at=NOW()
	`, page.ProjectID, page.EntryID, page.Title, page.HumanizedContent)
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

// SavePageContent stores editor content, creating the page when the project
// does not have it yet.
func (s *PostgresStore) SavePageContent(ctx context.Context, projectID, entryID, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (project_id, entry_id, edited_content, sort_order)
		VALUES ($1, $2, $3, (SELECT COUNT(*) FROM pages WHERE project_id=$1))
		ON CONFLICT (project_id, entry_id) DO UPDATE
		SET edited_content=EXCLUDED.edited_content, updated_at=NOW()
	`, projectID, entryID, content)
	if err != nil {
		return fmt.Errorf("save page content: %w", err)
	}
	return nil
}

// EnsurePage creates an empty page row if the project does not have it.
func (s *PostgresStore) EnsurePage(ctx context.Context, projectID, entryID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (project_id, entry_id, sort_order)
		VALUES ($1, $2, (SELECT COUNT(*) FROM pages WHERE project_id=$1))
		ON CONFLICT (project_id, entry_id) DO NOTHING
	`, projectID, entryID)
	if err != nil {
		return fmt.Errorf("ensure page: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertPageVersion(ctx context.Context, version PageVersion) (PageVersion, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO page_versions (project_id, entry_id, version_name, commit_hash, reverted_from)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, version.ProjectID, version.EntryID, version.VersionName, version.CommitHash, version.RevertedFrom).Scan(&version.ID, &version.CreatedAt)
	if err != nil {
		return PageVersion{}, fmt.Errorf("insert page version: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) ListPageVersions(ctx context.Context, projectID, entryID string) ([]PageVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, entry_id, version_name, commit_hash, reverted_from, created_at
		FROM page_versions
		WHERE project_id=$1 AND entry_id=$2
		ORDER BY created_at DESC, id DESC
	`, projectID, entryID)
	if err != nil {
		return nil, fmt.Errorf("list page versions: %w", err)
	}
	defer rows.Close()

	items := make([]PageVersion, 0)
	for rows.Next() {
		item, err := scanPageVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPageVersion(ctx context.Context, projectID, entryID string, versionID int64) (PageVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, entry_id, version_name, commit_hash, reverted_from, created_at
		FROM page_versions
		WHERE project_id=$1 AND entry_id=$2 AND id=$3
	`, projectID, entryID, versionID)
	return scanPageVersion(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPageVersion(row rowScanner) (PageVersion, error) {
	var item PageVersion
	var revertedFrom sql.NullInt64
	if err := row.Scan(&item.ID, &item.ProjectID, &item.EntryID, &item.VersionName, &item.CommitHash, &revertedFrom, &item.CreatedAt); err != nil {
		return PageVersion{}, err
	}
	if revertedFrom.Valid {
		id := revertedFrom.Int64
		item.RevertedFrom = &id
	}
	return item, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
