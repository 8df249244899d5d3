package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ent0n29/versecraft/internal/log"
	"github.com/ent0n29/versecraft/internal/repository/migrations"
	"github.com/ent0n29/versecraft/internal/workflow"
)

type SQLiteConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *SQLiteConfig) defaults() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "repository.SQLite"})
	return nil
}

// SQLite persists poems and workflow results in a local SQLite file.
type SQLite struct {
	db     *sql.DB
	logger log.Logger
}

func NewSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLite, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, err
	}

	cfg.Logger.Debugf("sqlite repository initialized at %s", cfg.DBPath)
	return &SQLite{db: db, logger: cfg.Logger}, nil
}

func (r *SQLite) SavePoem(ctx context.Context, poem workflow.Poem) error {
	if err := validatePoem(poem); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO poems (id, title, author, body, source_lang)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			author = excluded.author,
			body = excluded.body,
			source_lang = excluded.source_lang`,
		poem.ID, poem.Title, poem.Author, poem.Text, poem.SourceLang,
	)
	if err != nil {
		return fmt.Errorf("could not save poem: %w", err)
	}
	return nil
}

func (r *SQLite) GetPoem(ctx context.Context, id string) (workflow.Poem, error) {
	var poem workflow.Poem
	err := r.db.QueryRowContext(ctx,
		`SELECT id, title, author, body, source_lang FROM poems WHERE id = ?`,
		strings.TrimSpace(id),
	).Scan(&poem.ID, &poem.Title, &poem.Author, &poem.Text, &poem.SourceLang)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return workflow.Poem{}, fmt.Errorf("%w: %s", workflow.ErrPoemNotFound, id)
		}
		return workflow.Poem{}, fmt.Errorf("could not query poem: %w", err)
	}
	return poem, nil
}

func (r *SQLite) ListPoems(ctx context.Context) ([]workflow.Poem, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, title, author, body, source_lang FROM poems ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("could not query poems: %w", err)
	}
	defer rows.Close()

	var out []workflow.Poem
	for rows.Next() {
		var poem workflow.Poem
		if err := rows.Scan(&poem.ID, &poem.Title, &poem.Author, &poem.Text, &poem.SourceLang); err != nil {
			return nil, fmt.Errorf("could not scan poem: %w", err)
		}
		out = append(out, poem)
	}
	return out, rows.Err()
}

func (r *SQLite) PersistWorkflowResult(ctx context.Context, id string, result workflow.Result) error {
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	models, err := json.Marshal(result.Models)
	if err != nil {
		return fmt.Errorf("could not marshal models: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO workflow_results (
			id, poem_id, mode, source_lang, target_lang,
			initial_translation, initial_translation_notes, editor_suggestions,
			revised_translation, revised_translation_notes, translated_title,
			models, revision_diff, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			poem_id = excluded.poem_id,
			mode = excluded.mode,
			source_lang = excluded.source_lang,
			target_lang = excluded.target_lang,
			initial_translation = excluded.initial_translation,
			initial_translation_notes = excluded.initial_translation_notes,
			editor_suggestions = excluded.editor_suggestions,
			revised_translation = excluded.revised_translation,
			revised_translation_notes = excluded.revised_translation_notes,
			translated_title = excluded.translated_title,
			models = excluded.models,
			revision_diff = excluded.revision_diff,
			created_at = excluded.created_at`,
		id, result.PoemID, string(result.Mode), result.SourceLang, result.TargetLang,
		result.InitialTranslation, result.InitialTranslationNotes, result.EditorSuggestions,
		result.RevisedTranslation, result.RevisedTranslationNotes, result.TranslatedTitle,
		string(models), result.RevisionDiff, result.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("could not persist workflow result: %w", err)
	}
	r.logger.Debugf("persisted workflow result %s", id)
	return nil
}

func (r *SQLite) GetWorkflowResult(ctx context.Context, id string) (workflow.Result, error) {
	var (
		res       workflow.Result
		mode      string
		models    string
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, poem_id, mode, source_lang, target_lang,
			initial_translation, initial_translation_notes, editor_suggestions,
			revised_translation, revised_translation_notes, translated_title,
			models, revision_diff, created_at
		 FROM workflow_results WHERE id = ?`,
		strings.TrimSpace(id),
	).Scan(
		&res.ID, &res.PoemID, &mode, &res.SourceLang, &res.TargetLang,
		&res.InitialTranslation, &res.InitialTranslationNotes, &res.EditorSuggestions,
		&res.RevisedTranslation, &res.RevisedTranslationNotes, &res.TranslatedTitle,
		&models, &res.RevisionDiff, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return workflow.Result{}, fmt.Errorf("%w: %s", ErrResultNotFound, id)
		}
		return workflow.Result{}, fmt.Errorf("could not query workflow result: %w", err)
	}
	res.Mode = workflow.Mode(mode)
	res.CreatedAt = time.Unix(createdAt, 0).UTC()
	if err := json.Unmarshal([]byte(models), &res.Models); err != nil {
		return workflow.Result{}, fmt.Errorf("could not decode models: %w", err)
	}
	return res, nil
}

func (r *SQLite) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *SQLite) Close() error { return r.db.Close() }
