package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ent0n29/versecraft/internal/log"
	loglogrus "github.com/ent0n29/versecraft/internal/log/logrus"
)

// Version is the application version (set via ldflags).
var Version = "dev"

type rootOptions struct {
	configFile string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "versecraft",
		Short:         "Poem translation workflow service",
		Long:          "Runs multi-step LLM poem translation workflows and streams their progress.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "optional YAML config file; environment variables take precedence")

	root.AddCommand(newServeCommand(opts), newSeedCommand(opts))
	return root
}

// newLogger builds the process logger. Logs go to stderr so stdout stays
// free for command output.
func newLogger(level, format string, out io.Writer) (log.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.Out = out
	l.SetLevel(lvl)
	switch format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logger := loglogrus.NewLogrus(logrus.NewEntry(l)).WithValues(log.Kv{"version": Version})
	logger.Debugf("debug level is enabled")
	return logger, nil
}

func main() {
	root := newRootCommand(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
