package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cardetl/internal/bulkdata"
	"cardetl/internal/config"
	"cardetl/internal/importer"
	"cardetl/internal/storage"
)

type importFlags struct {
	bulkType       string
	force          bool
	storageKind    string
	dsn            string
	table          string
	primaryKey     string
	cacheDir       string
	metricsBackend string
}

func newImportCmd(env *cmdEnv) *cobra.Command {
	var f importFlags

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Refresh the bulk file if stale and upsert every card",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := env.loadPipeline()
			if err != nil {
				return err
			}
			f.apply(cmd, &p)

			log, err := env.newLogger(p.Log)
			if err != nil {
				return err
			}
			if err := env.checkPipeline(p, log); err != nil {
				return err
			}

			ctx := cmd.Context()
			cleanup, err := env.deps.initMetrics(ctx, p.Job, p.Metrics, log.Warnf)
			if err != nil {
				return fatalError(fmt.Errorf("init metrics: %w", err))
			}
			defer cleanup()

			log.WithField("storage", p.Storage.Kind).WithField("table", p.Storage.Table).
				WithField("bulk_type", p.Source.BulkType).Debug("starting import")

			repo, err := env.deps.openRepo(ctx, storage.Config{Kind: p.Storage.Kind, DSN: p.Storage.DSN})
			if err != nil {
				return fatalError(fmt.Errorf("open %s: %w", p.Storage.Kind, err))
			}
			defer repo.Close()

			client := env.deps.newClient(clientOptions(p.Source))
			im := importer.New(client, repo, importer.Options{
				BulkType:        p.Source.BulkType,
				CacheDir:        p.Source.CacheDir,
				Compressed:      p.Source.Compressed,
				Force:           f.force,
				Table:           p.Storage.Table,
				PrimaryKey:      p.Storage.PrimaryKey,
				PageSize:        p.Storage.PageSize,
				AutoCreateTable: p.Storage.AutoCreateTable,
			}, log)

			res, err := im.Run(ctx)
			if err != nil {
				return fatalError(err)
			}
			fmt.Fprintf(env.stdout, "imported %s into %s: processed=%d rejected=%d duplicates=%d changed=%d downloaded=%t\n",
				p.Source.BulkType, p.Storage.Table, res.Processed, res.Rejected, res.Duplicates, res.Changed, res.Downloaded)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.bulkType, "type", "", "bulk type (oracle_cards, unique_artwork, default_cards, all_cards)")
	fl.BoolVar(&f.force, "force", false, "download even when the cache is fresh")
	fl.StringVar(&f.storageKind, "storage", "", "storage kind (postgres, sqlite, mssql, mysql)")
	fl.StringVar(&f.dsn, "dsn", "", "database DSN")
	fl.StringVar(&f.table, "table", "", "destination table")
	fl.StringVar(&f.primaryKey, "primary-key", "", "primary key column (id or oracle_id)")
	fl.StringVar(&f.cacheDir, "cache-dir", "", "directory holding the bulk file")
	fl.StringVar(&f.metricsBackend, "metrics-backend", "", "metrics backend (none, datadog)")
	return cmd
}

// apply overrides p with the flags given on the command line.
func (f importFlags) apply(cmd *cobra.Command, p *config.Pipeline) {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("type", &p.Source.BulkType, f.bulkType)
	set("storage", &p.Storage.Kind, f.storageKind)
	set("dsn", &p.Storage.DSN, f.dsn)
	set("table", &p.Storage.Table, f.table)
	set("primary-key", &p.Storage.PrimaryKey, f.primaryKey)
	set("cache-dir", &p.Source.CacheDir, f.cacheDir)
	set("metrics-backend", &p.Metrics.Backend, f.metricsBackend)
}

func clientOptions(s config.Source) bulkdata.Options {
	return bulkdata.Options{
		CatalogURL:      s.CatalogURL,
		UserAgent:       s.UserAgent,
		Timeout:         s.Timeout.Duration,
		DownloadTimeout: s.DownloadTimeout.Duration,
	}
}
