package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel a running transform",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		initLogger(cfg)

		ctx, stop := signalContext(cmd)
		defer stop()

		if err := newAPIClient(cfg).CancelTransform(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Transform %s canceled\n", args[0])
		return nil
	},
}
