package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cardetl/internal/config"
)

type rootFlags struct {
	configPath string
	envFile    string
	verbose    bool
}

func newRootCmd(stdout, stderr io.Writer, d appDeps) *cobra.Command {
	var rf rootFlags

	root := &cobra.Command{
		Use:   "cardetl",
		Short: "Import Scryfall bulk card data into a SQL table",
		Long: `cardetl downloads a Scryfall bulk-data export when the local copy is stale,
streams it card by card and upserts one row per card into postgres, sqlite,
mssql or mysql. Unchanged rows are left untouched.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError(err) })

	pf := root.PersistentFlags()
	pf.StringVar(&rf.configPath, "config", "", "config file (.json, .toml, .yaml)")
	pf.StringVar(&rf.envFile, "env-file", "", "dotenv file to load (default ./.env when present)")
	pf.BoolVarP(&rf.verbose, "verbose", "v", false, "enable debug logs")

	env := &cmdEnv{flags: &rf, deps: d, stdout: stdout, stderr: stderr}
	root.AddCommand(
		newImportCmd(env),
		newStatusCmd(env),
		newSchemaCmd(env),
		newValidateCmd(env),
	)
	return root
}

// cmdEnv is shared by the subcommands.
type cmdEnv struct {
	flags  *rootFlags
	deps   appDeps
	stdout io.Writer
	stderr io.Writer
}

// loadPipeline resolves configuration: defaults, file, .env, environment.
// Command flags are applied by the caller.
func (e *cmdEnv) loadPipeline() (config.Pipeline, error) {
	if err := e.deps.loadEnvFile(e.flags.envFile); err != nil {
		return config.Pipeline{}, usageError(err)
	}
	p := config.Defaults()
	if e.flags.configPath != "" {
		var err error
		p, err = config.Load(e.flags.configPath)
		if err != nil {
			return config.Pipeline{}, usageError(err)
		}
	}
	config.ApplyEnv(&p, e.deps.getenv)
	return p, nil
}

// checkPipeline logs warnings and fails on any validation error.
func (e *cmdEnv) checkPipeline(p config.Pipeline, log logrus.FieldLogger) error {
	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		entry := log.WithField("path", iss.Path)
		if iss.Severity == config.SeverityError {
			entry.Error(iss.Message)
		} else {
			entry.Warn(iss.Message)
		}
	}
	if config.HasErrors(issues) {
		return usageError(errors.New("configuration is invalid"))
	}
	return nil
}

// newLogger builds the command logger. Format "auto" picks text on a
// terminal and JSON otherwise.
func (e *cmdEnv) newLogger(lc config.Log) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(e.stderr)

	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return nil, usageError(fmt.Errorf("log.level: %w", err))
	}
	if e.flags.verbose {
		level = logrus.DebugLevel
	}
	l.SetLevel(level)

	switch lc.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		if e.deps.isTerminal(e.stderr) {
			l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		} else {
			l.SetFormatter(&logrus.JSONFormatter{})
		}
	}
	return l, nil
}
