package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/veloxdata/transmit/internal/cli/output"
	"github.com/veloxdata/transmit/pkg/models"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show the status of a transform",
	Long: `Display the current status of a submitted transform.

Examples:
  # Check a transform
  transmit status 8c2b5e6a-1f4d-4a9e-9a31-70d1b2a3c4d5

  # Output as JSON
  transmit status 8c2b5e6a-1f4d-4a9e-9a31-70d1b2a3c4d5 --output json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
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

	st, err := newAPIClient(cfg).GetTransformStatus(ctx, args[0])
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, st)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, st)
	default:
		printStatusTable(st)
	}
	return nil
}

func printStatusTable(st *models.TransformStatus) {
	pairs := [][2]string{
		{"Request ID", st.RequestID},
		{"Title", st.Title},
		{"Status", string(st.Status)},
		{"Files", fmt.Sprintf("%d", st.Files)},
		{"Completed", fmt.Sprintf("%d", st.FilesCompleted)},
		{"Failed", fmt.Sprintf("%d", st.FilesFailed)},
		{"Submitted", st.SubmitTime.Format(time.RFC3339)},
	}
	if st.FinishTime != nil {
		pairs = append(pairs, [2]string{"Finished", st.FinishTime.Format(time.RFC3339)})
	}
	if st.LogURL != "" {
		pairs = append(pairs, [2]string{"Logs", st.LogURL})
	}
	_ = output.SimpleTable(os.Stdout, pairs)
}
