package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/veloxdata/transmit/internal/cli/output"
)

var transformsOutput string

var transformsCmd = &cobra.Command{
	Use:   "transforms",
	Short: "List transforms on the service",
	Long: `List every transform visible to the authenticated user, newest first.

Examples:
  transmit transforms
  transmit transforms --output json`,
	RunE: runTransforms,
}

func init() {
	transformsCmd.Flags().StringVarP(&transformsOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

func runTransforms(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(transformsOutput)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogger(cfg)

	ctx, stop := signalContext(cmd)
	defer stop()

	transforms, err := newAPIClient(cfg).GetTransforms(ctx)
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, transforms)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, transforms)
	default:
		headers := []string{"REQUEST ID", "TITLE", "STATUS", "FILES", "FAILED", "SUBMITTED"}
		rows := make([][]string, 0, len(transforms))
		for _, st := range transforms {
			rows = append(rows, []string{
				st.RequestID,
				st.Title,
				string(st.Status),
				fmt.Sprintf("%d/%d", st.FilesCompleted, st.Files),
				fmt.Sprintf("%d", st.FilesFailed),
				st.SubmitTime.Format(time.RFC3339),
			})
		}
		return output.PrintTable(os.Stdout, headers, rows)
	}
}
