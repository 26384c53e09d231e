package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/veloxdata/transmit/internal/cli/output"
	"github.com/veloxdata/transmit/internal/cli/prompt"
	"github.com/veloxdata/transmit/pkg/cache"
	"github.com/veloxdata/transmit/pkg/config"
)

var (
	cacheListOutput string
	cacheClearForce bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local result cache",
	Long: `Inspect and maintain the machine-wide transform result cache.

The cache maps request fingerprints to completed executions so identical
requests are answered locally instead of re-running on the service.`,
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached transforms",
	RunE:  runCacheList,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached transform and its downloaded files",
	RunE:  runCacheClear,
}

var cacheDeleteCmd = &cobra.Command{
	Use:   "delete <request-id>",
	Short: "Remove one cached transform and its downloaded files",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheDelete,
}

func init() {
	cacheListCmd.Flags().StringVarP(&cacheListOutput, "output", "o", "table", "Output format (table|json|yaml)")
	cacheClearCmd.Flags().BoolVarP(&cacheClearForce, "force", "f", false, "Skip the confirmation prompt")

	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheDeleteCmd)
}

// openCache opens the cache using the configured directory.
func openCache() (*cache.Cache, error) {
	cfg, err := config.Load(cfgFile)
	dir := ""
	if err == nil {
		dir = cfg.Cache.Dir
		initLogger(cfg)
	}
	return cache.Open(cache.Config{Dir: dir})
}

func runCacheList(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(cacheListOutput)
	if err != nil {
		return err
	}

	c, err := openCache()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	records, err := c.CachedTransforms(cmd.Context())
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, records)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, records)
	default:
		headers := []string{"REQUEST ID", "TITLE", "CODEGEN", "FILES", "FORMAT", "SUBMITTED"}
		rows := make([][]string, 0, len(records))
		for _, rec := range records {
			rows = append(rows, []string{
				rec.RequestID,
				rec.Title,
				rec.Codegen,
				fmt.Sprintf("%d", rec.Files),
				string(rec.ResultFormat),
				rec.SubmitTime.Format(time.RFC3339),
			})
		}
		return output.PrintTable(os.Stdout, headers, rows)
	}
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	records, err := c.CachedTransforms(cmd.Context())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("Cache is already empty")
		return nil
	}

	ok, err := prompt.ConfirmWithForce(
		fmt.Sprintf("Delete %d cached transforms and their files", len(records)),
		cacheClearForce)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	for _, rec := range records {
		if err := removeCached(cmd, c, rec.RequestID); err != nil {
			return err
		}
	}
	fmt.Printf("Removed %d cached transforms\n", len(records))
	return nil
}

func runCacheDelete(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := removeCached(cmd, c, args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed cached transform %s\n", args[0])
	return nil
}

// removeCached deletes the cache record and the downloaded files for one
// request ID.
func removeCached(cmd *cobra.Command, c *cache.Cache, requestID string) error {
	if err := c.DeleteByRequestID(cmd.Context(), requestID); err != nil {
		return err
	}
	dir := filepath.Join(c.Dir(), requestID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	return nil
}
