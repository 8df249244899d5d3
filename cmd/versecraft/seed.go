package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ent0n29/versecraft/internal/config"
	"github.com/ent0n29/versecraft/internal/repository"
	"github.com/ent0n29/versecraft/internal/workflow"
)

type seedFile struct {
	Poems []workflow.Poem `yaml:"poems"`
}

func newSeedCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <poems.yaml>",
		Short: "Load poems from a YAML file into the configured repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(root.configFile)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, root.stderr)
			if err != nil {
				return err
			}

			repo, err := repository.New(cmd.Context(), cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			defer repo.Close()

			n, err := seedPoems(cmd.Context(), repo, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(root.stdout, "seeded %d poems\n", n)
			return nil
		},
	}
}

func loadSeedFile(path string) ([]workflow.Poem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for i, p := range f.Poems {
		if p.SourceLang == "" {
			continue
		}
		lang, err := workflow.NormalizeLanguage(p.SourceLang)
		if err != nil {
			return nil, fmt.Errorf("poem %q: %w", p.ID, err)
		}
		f.Poems[i].SourceLang = lang
	}
	return f.Poems, nil
}

func seedPoems(ctx context.Context, repo repository.Repository, path string) (int, error) {
	poems, err := loadSeedFile(path)
	if err != nil {
		return 0, err
	}
	for _, p := range poems {
		if err := repo.SavePoem(ctx, p); err != nil {
			return 0, fmt.Errorf("save poem %q: %w", p.ID, err)
		}
	}
	return len(poems), nil
}
