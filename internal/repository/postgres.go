package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/versecraft/internal/workflow"
)

// Postgres persists poems and workflow results in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS poems (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			source_lang TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS workflow_results (
			id TEXT PRIMARY KEY,
			poem_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			source_lang TEXT NOT NULL,
			target_lang TEXT NOT NULL,
			initial_translation TEXT NOT NULL,
			initial_translation_notes TEXT NOT NULL DEFAULT '',
			editor_suggestions TEXT NOT NULL,
			revised_translation TEXT NOT NULL,
			revised_translation_notes TEXT NOT NULL DEFAULT '',
			translated_title TEXT NOT NULL DEFAULT '',
			models JSONB NOT NULL DEFAULT '{}'::jsonb,
			revision_diff TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_results_poem_created ON workflow_results (poem_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Postgres) SavePoem(ctx context.Context, poem workflow.Poem) error {
	if err := validatePoem(poem); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO poems (id, title, author, body, source_lang)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			author = EXCLUDED.author,
			body = EXCLUDED.body,
			source_lang = EXCLUDED.source_lang`,
		poem.ID, poem.Title, poem.Author, poem.Text, poem.SourceLang,
	)
	if err != nil {
		return fmt.Errorf("save poem: %w", err)
	}
	return nil
}

func (s *Postgres) GetPoem(ctx context.Context, id string) (workflow.Poem, error) {
	var poem workflow.Poem
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, author, body, source_lang FROM poems WHERE id = $1`,
		strings.TrimSpace(id),
	).Scan(&poem.ID, &poem.Title, &poem.Author, &poem.Text, &poem.SourceLang)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return workflow.Poem{}, fmt.Errorf("%w: %s", workflow.ErrPoemNotFound, id)
		}
		return workflow.Poem{}, fmt.Errorf("get poem: %w", err)
	}
	return poem, nil
}

func (s *Postgres) ListPoems(ctx context.Context) ([]workflow.Poem, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, title, author, body, source_lang FROM poems ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list poems: %w", err)
	}
	defer rows.Close()

	var out []workflow.Poem
	for rows.Next() {
		var poem workflow.Poem
		if err := rows.Scan(&poem.ID, &poem.Title, &poem.Author, &poem.Text, &poem.SourceLang); err != nil {
			return nil, fmt.Errorf("scan poem: %w", err)
		}
		out = append(out, poem)
	}
	return out, rows.Err()
}

func (s *Postgres) PersistWorkflowResult(ctx context.Context, id string, result workflow.Result) error {
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	models, err := json.Marshal(result.Models)
	if err != nil {
		return fmt.Errorf("marshal models: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin result tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_results (
			id, poem_id, mode, source_lang, target_lang,
			initial_translation, initial_translation_notes, editor_suggestions,
			revised_translation, revised_translation_notes, translated_title,
			models, revision_diff, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			poem_id = EXCLUDED.poem_id,
			mode = EXCLUDED.mode,
			source_lang = EXCLUDED.source_lang,
			target_lang = EXCLUDED.target_lang,
			initial_translation = EXCLUDED.initial_translation,
			initial_translation_notes = EXCLUDED.initial_translation_notes,
			editor_suggestions = EXCLUDED.editor_suggestions,
			revised_translation = EXCLUDED.revised_translation,
			revised_translation_notes = EXCLUDED.revised_translation_notes,
			translated_title = EXCLUDED.translated_title,
			models = EXCLUDED.models,
			revision_diff = EXCLUDED.revision_diff,
			created_at = EXCLUDED.created_at`,
		id, result.PoemID, string(result.Mode), result.SourceLang, result.TargetLang,
		result.InitialTranslation, result.InitialTranslationNotes, result.EditorSuggestions,
		result.RevisedTranslation, result.RevisedTranslationNotes, result.TranslatedTitle,
		models, result.RevisionDiff, result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("persist workflow result: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) GetWorkflowResult(ctx context.Context, id string) (workflow.Result, error) {
	var (
		r      workflow.Result
		mode   string
		models []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, poem_id, mode, source_lang, target_lang,
			initial_translation, initial_translation_notes, editor_suggestions,
			revised_translation, revised_translation_notes, translated_title,
			models, revision_diff, created_at
		 FROM workflow_results WHERE id = $1`,
		strings.TrimSpace(id),
	).Scan(
		&r.ID, &r.PoemID, &mode, &r.SourceLang, &r.TargetLang,
		&r.InitialTranslation, &r.InitialTranslationNotes, &r.EditorSuggestions,
		&r.RevisedTranslation, &r.RevisedTranslationNotes, &r.TranslatedTitle,
		&models, &r.RevisionDiff, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return workflow.Result{}, fmt.Errorf("%w: %s", ErrResultNotFound, id)
		}
		return workflow.Result{}, fmt.Errorf("get workflow result: %w", err)
	}
	r.Mode = workflow.Mode(mode)
	if err := json.Unmarshal(models, &r.Models); err != nil {
		return workflow.Result{}, fmt.Errorf("decode models: %w", err)
	}
	return r, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
