// Package importer runs one card import: refresh the cached bulk file, stream
// it through the card transformer and upsert the rows.
package importer

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"cardetl/internal/bulkdata"
	"cardetl/internal/cards"
	"cardetl/internal/metrics"
	"cardetl/internal/storage"
)

// DefaultProgressEvery is how many cards pass between progress log lines.
const DefaultProgressEvery = 10000

// Source refreshes the local bulk file. *bulkdata.Client implements it.
type Source interface {
	Sync(ctx context.Context, bulkType, dir string, compressed, force bool) (bulkdata.SyncResult, error)
}

type Options struct {
	BulkType   string
	CacheDir   string
	Compressed bool
	// Force downloads even when the cache is fresh.
	Force bool

	Table           string
	PrimaryKey      string
	PageSize        int
	AutoCreateTable bool

	ProgressEvery int
}

// Result summarizes a finished run.
type Result struct {
	Downloaded bool
	Path       string
	UpdatedAt  time.Time

	Processed  int
	Rejected   int
	Degraded   int
	Duplicates int
	Changed    int64
	Elapsed    time.Duration
}

// Importer owns no connections: the repository is opened and closed by the caller.
type Importer struct {
	Source Source
	Repo   storage.Repository
	Opts   Options
	Log    logrus.FieldLogger
}

func New(src Source, repo storage.Repository, opts Options, log logrus.FieldLogger) *Importer {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	return &Importer{Source: src, Repo: repo, Opts: opts, Log: log}
}

// Run executes sync, transform, dedupe, table bootstrap and upsert in order.
// Any error aborts the run; nothing is written unless every row is.
func (im *Importer) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result

	table, err := cards.TableSpec(im.Opts.Table, im.Opts.PrimaryKey, im.Opts.PageSize)
	if err != nil {
		return res, err
	}
	if im.Opts.PrimaryKey == cards.KeyOracleID {
		im.Log.WithField("bulk_type", im.Opts.BulkType).
			Warn("primary key oracle_id keeps one row per oracle card; printings overwrite each other")
	}

	var sync bulkdata.SyncResult
	err = step("sync", func() error {
		var err error
		sync, err = im.Source.Sync(ctx, im.Opts.BulkType, im.Opts.CacheDir, im.Opts.Compressed, im.Opts.Force)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("sync %s: %w", im.Opts.BulkType, err)
	}
	res.Downloaded, res.Path, res.UpdatedAt = sync.Downloaded, sync.Path, sync.Entry.UpdatedAt
	fields := logrus.Fields{"path": sync.Path, "updated_at": sync.Entry.UpdatedAt.Format(time.RFC3339)}
	if sync.Downloaded {
		im.Log.WithFields(fields).WithField("bytes", sync.Bytes).Info("downloaded bulk file")
	} else {
		im.Log.WithFields(fields).Info("bulk file is up to date")
	}

	var rows [][]any
	err = step("transform", func() error {
		var st cards.Stats
		rows, st, err = im.readRows(sync.Path)
		res.Processed, res.Rejected, res.Degraded = st.Processed, st.Rejected, st.Degradations
		return err
	})
	metrics.RecordCards("processed", res.Processed)
	metrics.RecordCards("rejected", res.Rejected)
	metrics.RecordCards("degraded", res.Degraded)
	if err != nil {
		return res, err
	}

	err = step("dedupe", func() error {
		var err error
		rows, res.Duplicates, err = storage.DedupeLastByKey(rows, table.KeyIndex())
		return err
	})
	if err != nil {
		return res, err
	}
	metrics.RecordCards("duplicate", res.Duplicates)
	if res.Duplicates > 0 {
		im.Log.WithField("duplicates", res.Duplicates).Info("collapsed records sharing a primary key (last one kept)")
	}

	if im.Opts.AutoCreateTable {
		if err := step("ensure_table", func() error { return im.Repo.EnsureTable(ctx, table) }); err != nil {
			return res, fmt.Errorf("ensure table %s: %w", table.Name, err)
		}
	}

	if len(rows) > 0 {
		err = step("upsert", func() error {
			var err error
			res.Changed, err = im.Repo.UpsertRows(ctx, table, rows)
			return err
		})
		if err != nil {
			return res, err
		}
	}
	metrics.RecordCards("changed", int(res.Changed))

	res.Elapsed = time.Since(start)
	im.Log.WithFields(logrus.Fields{
		"processed":  res.Processed,
		"rejected":   res.Rejected,
		"degraded":   res.Degraded,
		"duplicates": res.Duplicates,
		"changed":    res.Changed,
		"elapsed":    res.Elapsed.Truncate(time.Millisecond).String(),
	}).Info("import complete")
	return res, nil
}

func (im *Importer) readRows(path string) ([][]any, cards.Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cards.Stats{}, fmt.Errorf("open bulk file: %w", err)
	}
	defer f.Close()

	tr, err := cards.NewTransformer(im.Opts.PrimaryKey)
	if err != nil {
		return nil, cards.Stats{}, err
	}
	tr.OnDegrade = func(d cards.Degradation) {
		im.Log.WithFields(logrus.Fields{"element": d.Line, "column": d.Column}).
			WithError(d.Err).Debug("field set to null")
	}

	s, err := cards.NewStream(f, tr)
	if err != nil {
		return nil, cards.Stats{}, err
	}
	defer s.Close()
	s.OnReject = func(r *cards.RejectError) {
		im.Log.WithFields(logrus.Fields{"element": r.Line, "column": r.Column}).
			WithError(r.Err).Warn("record rejected")
	}

	var rows [][]any
	for s.Scan() {
		rows = append(rows, s.Row())
		if n := s.Stats().Processed; n%im.Opts.ProgressEvery == 0 {
			im.Log.WithField("cards", n).Info("processed cards")
		}
	}
	return rows, s.Stats(), s.Err()
}

func step(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.RecordStep(name, err, time.Since(start))
	return err
}
