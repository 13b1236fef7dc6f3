package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"cardetl/internal/config"
)

func newValidateCmd(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := env.loadPipeline()
			if err != nil {
				return err
			}

			pal := newPalette(env.deps.isTerminal(env.stdout))
			issues := config.ValidatePipeline(p)
			for _, iss := range issues {
				c := pal.warn
				if iss.Severity == config.SeverityError {
					c = pal.bad
				}
				fmt.Fprintf(env.stdout, "%s %s: %s\n", c.Sprint(string(iss.Severity)), iss.Path, iss.Message)
			}
			if config.HasErrors(issues) {
				return usageError(errors.New("configuration is invalid"))
			}
			fmt.Fprintln(env.stdout, pal.ok.Sprint("configuration is valid"))
			return nil
		},
	}
}
