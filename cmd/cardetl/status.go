package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newStatusCmd(env *cmdEnv) *cobra.Command {
	var bulkType string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Compare the cached bulk file with the Scryfall catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := env.loadPipeline()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("type") {
				p.Source.BulkType = bulkType
			}

			client := env.deps.newClient(clientOptions(p.Source))
			st, err := client.Status(cmd.Context(), p.Source.BulkType, p.Source.CacheDir, p.Source.Compressed)
			if err != nil {
				return fatalError(err)
			}

			pal := newPalette(env.deps.isTerminal(env.stdout))
			w := env.stdout
			row(w, "bulk type", st.Entry.Type)
			row(w, "remote", fmt.Sprintf("%s  %s", st.Entry.UpdatedAt.UTC().Format(time.RFC3339), humanBytes(st.Entry.Size)))
			row(w, "cache", st.Path)
			if st.Exists {
				row(w, "cached", fmt.Sprintf("%s  %s", st.Modified.UTC().Format(time.RFC3339), humanBytes(st.Size)))
			} else {
				row(w, "cached", pal.dim.Sprint("missing"))
			}
			if st.Stale {
				row(w, "state", pal.warn.Sprint("stale (next import downloads)"))
			} else {
				row(w, "state", pal.ok.Sprint("fresh"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bulkType, "type", "", "bulk type to check")
	return cmd
}

type palette struct {
	ok, warn, bad, dim *color.Color
}

// newPalette returns status colors; plain text unless tty is true.
func newPalette(tty bool) palette {
	p := palette{
		ok:   color.New(color.FgGreen, color.Bold),
		warn: color.New(color.FgYellow, color.Bold),
		bad:  color.New(color.FgRed, color.Bold),
		dim:  color.New(color.Faint),
	}
	for _, c := range []*color.Color{p.ok, p.warn, p.bad, p.dim} {
		if tty {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func row(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%-10s %s\n", label, value)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
