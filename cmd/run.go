package cmd

import (
	"log"

	"github.com/arcward/starboard/starboard"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the starboard bot and API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			sb, err := starboard.New(cfg)
			if err != nil {
				log.Fatalf("error creating starboard: %s", err.Error())
			}

			if err = sb.Run(ctx); err != nil {
				log.Fatalf("error running starboard: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
