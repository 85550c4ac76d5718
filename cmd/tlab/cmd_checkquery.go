package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tunelab/tunelab/internal/tlerr"
	"github.com/tunelab/tunelab/internal/ui"
)

// checkQueryCmd shows the gatekeeper verdict for one SQL statement, the same
// check applied to every queryDb call from a plugin.
func checkQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-query <sql>",
		Short: "Show the gatekeeper verdict for a SQL statement",
		Example: `  tlab check-query "SELECT title FROM tune WHERE key_sig = 'Em'"
  tlab check-query "DELETE FROM tune"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			safe, err := guardFor(cfg).Validate(args[0])
			if err != nil {
				fmt.Println(ui.Error("rejected") + " " + ui.Code(string(tlerr.GetErrorCode(err))))
				fmt.Println("  " + tlerr.GetMessage(err))
				for _, help := range tlerr.Helps(err) {
					fmt.Println("  " + ui.Dim("help: "+help))
				}
				// The verdict is the output; a rejection is not a command failure
				return nil
			}

			fmt.Println(ui.Success("allowed"))
			fmt.Println("  " + safe)
			return nil
		},
	}
}
