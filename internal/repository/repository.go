// Package repository stores poems and finished workflow results.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/versecraft/internal/log"
	"github.com/ent0n29/versecraft/internal/workflow"
)

var (
	ErrResultNotFound = errors.New("workflow result not found")
	ErrInvalidPoem    = errors.New("invalid poem")
)

// Repository is the full storage contract. The workflow core only needs the
// embedded workflow.Repository part.
type Repository interface {
	workflow.Repository
	SavePoem(ctx context.Context, poem workflow.Poem) error
	ListPoems(ctx context.Context) ([]workflow.Poem, error)
	GetWorkflowResult(ctx context.Context, id string) (workflow.Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// New picks an implementation from the database URL scheme: postgres:// or
// postgresql:// for PostgreSQL, sqlite:// for a SQLite file, empty for memory.
func New(ctx context.Context, databaseURL string, logger log.Logger) (Repository, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	switch {
	case databaseURL == "":
		return NewInMemory(), nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgres(ctx, databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return NewSQLite(ctx, SQLiteConfig{
			DBPath: strings.TrimPrefix(databaseURL, "sqlite://"),
			Logger: logger,
		})
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme in %q", databaseURL)
	}
}

func validatePoem(poem workflow.Poem) error {
	if strings.TrimSpace(poem.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPoem)
	}
	if strings.TrimSpace(poem.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidPoem)
	}
	if strings.TrimSpace(poem.SourceLang) == "" {
		return fmt.Errorf("%w: source_lang is required", ErrInvalidPoem)
	}
	if strings.TrimSpace(poem.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidPoem)
	}
	return nil
}
