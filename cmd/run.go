package cmd

import (
	"log"

	"github.com/NanduBit/Discord-For-Bots/dashboard"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the dashboard API, the gateway relay and (optionally) the primary gateway connection",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			d, err := dashboard.New(cfg)
			if err != nil {
				log.Fatalf("error creating dashboard: %s", err.Error())
			}

			if err = d.Run(ctx); err != nil {
				log.Fatalf("error running dashboard: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
