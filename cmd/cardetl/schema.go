package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cardetl/internal/cards"
	"cardetl/internal/storage"
)

func newSchemaCmd(env *cmdEnv) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the CREATE TABLE statement for a storage kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := env.loadPipeline()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("storage") {
				p.Storage.Kind = kind
			}

			t, err := cards.TableSpec(p.Storage.Table, p.Storage.PrimaryKey, p.Storage.PageSize)
			if err != nil {
				return usageError(err)
			}
			ddl, err := storage.CreateTableSQL(p.Storage.Kind, t)
			if err != nil {
				return usageError(err)
			}
			fmt.Fprintln(env.stdout, ddl)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "storage", "", "storage kind (postgres, sqlite, mssql, mysql)")
	return cmd
}
