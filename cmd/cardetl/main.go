// Command cardetl imports Scryfall bulk card data into a SQL table.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"cardetl/internal/bulkdata"
	"cardetl/internal/config"
	"cardetl/internal/importer"
	"cardetl/internal/storage"

	// register all backends with the storage factory.
	_ "cardetl/internal/storage/all"
)

// catalogClient is what the commands need from *bulkdata.Client.
type catalogClient interface {
	importer.Source
	Status(ctx context.Context, bulkType, dir string, compressed bool) (bulkdata.CacheStatus, error)
}

// appDeps are external seams for testability.
type appDeps struct {
	getenv      func(string) string
	loadEnvFile func(path string) error
	openRepo    func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	newClient   func(opts bulkdata.Options) catalogClient
	initMetrics func(ctx context.Context, job string, m config.Metrics, log logFunc) (func(), error)
	isTerminal  func(w io.Writer) bool
}

func defaultDeps() appDeps {
	return appDeps{
		getenv:      os.Getenv,
		loadEnvFile: config.LoadEnvFile,
		openRepo:    storage.New,
		newClient:   func(opts bulkdata.Options) catalogClient { return bulkdata.NewClient(opts) },
		initMetrics: initMetrics,
		isTerminal:  isTerminal,
	}
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// run executes the CLI and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: the command failed at runtime (network, document, database).
//   - 2: usage or configuration error.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, d appDeps) int {
	root := newRootCmd(stdout, stderr, d)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "cardetl: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return 2
	}
	return 0
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error { return &exitError{code: 2, err: err} }
func fatalError(err error) error { return &exitError{code: 1, err: err} }

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
