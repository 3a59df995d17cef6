package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/brucemcpherson/bm-drive-cloud/internal/worker"
)

func newCopyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "copy",
		Aliases: []string{"cp"},
		Short:   "Run a work file",
		Example: "  bmcopy copy -s safile.json -w workfile.json",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			work, creds, err := worker.LoadContent(ctx, a.v.GetString("sa"), a.v.GetString("work"))
			if err != nil {
				return err
			}
			items, err := worker.Validate(work, creds)
			if err != nil {
				return err
			}

			exec := a.executor()
			var out any
			if a.cfg.Transfer.PartialResults {
				out = exec.Collect(ctx, items)
			} else {
				results, err := exec.Execute(ctx, items)
				if err != nil {
					return err
				}
				out = results
			}

			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	flags := cmd.Flags()
	flags.StringP("sa", "s", "", "consolidated service accounts JSON file")
	flags.StringP("work", "w", "", "work JSON file")
	flags.Bool("partial", false, "report per-file outcomes instead of failing on the first error")
	_ = cmd.MarkFlagRequired("sa")
	_ = cmd.MarkFlagRequired("work")
	_ = a.v.BindPFlag("sa", flags.Lookup("sa"))
	_ = a.v.BindPFlag("work", flags.Lookup("work"))
	_ = a.v.BindPFlag("partial", flags.Lookup("partial"))
	return cmd
}
