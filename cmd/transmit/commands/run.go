package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/veloxdata/transmit/pkg/engine"
	"github.com/veloxdata/transmit/pkg/models"
)

var (
	runTitle      string
	runDID        string
	runFiles      []string
	runSelection  string
	runCodegen    string
	runImage      string
	runTree       string
	runFormat     string
	runSignedURLs bool
	runRequests   string
	runIsolate    bool
	runIgnore     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit a transform and collect its results",
	Long: `Submit a transform request, monitor it to completion and download the
produced files (or collect presigned URLs with --signed-urls).

A request identical to one already executed is served from the local cache
without contacting the service. Identical requests running concurrently, in
this process or another one sharing the cache directory, converge on a
single remote execution.

Examples:
  # Run a single transform and download its output
  transmit run --did my-dataset --selection @query.txt --codegen uproot

  # Collect presigned URLs instead of downloading
  transmit run --did my-dataset --selection @query.txt --codegen uproot --signed-urls

  # Run several transforms from a request file, isolating failures
  transmit run --requests requests.yaml --isolate-failures`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runTitle, "title", "", "Human readable transform title")
	runCmd.Flags().StringVar(&runDID, "did", "", "Dataset identifier")
	runCmd.Flags().StringArrayVar(&runFiles, "file", nil, "Explicit input file (repeatable, alternative to --did)")
	runCmd.Flags().StringVar(&runSelection, "selection", "", "Selection query (prefix with @ to read from a file)")
	runCmd.Flags().StringVar(&runCodegen, "codegen", "", "Code generator name")
	runCmd.Flags().StringVar(&runImage, "image", "", "Transformer image override")
	runCmd.Flags().StringVar(&runTree, "tree", "", "Tree name within the input files")
	runCmd.Flags().StringVar(&runFormat, "format", "parquet", "Result format (parquet|root-file)")
	runCmd.Flags().BoolVar(&runSignedURLs, "signed-urls", false, "Collect presigned URLs instead of downloading")
	runCmd.Flags().StringVar(&runRequests, "requests", "", "YAML file with a list of transform requests")
	runCmd.Flags().BoolVar(&runIsolate, "isolate-failures", false, "Keep running sibling requests when one fails")
	runCmd.Flags().BoolVar(&runIgnore, "ignore-cache", false, "Skip cache lookups for this run")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runIgnore {
		cfg.Cache.Ignore = true
	}
	initLogger(cfg)

	reqs, err := collectRequests()
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		return fmt.Errorf("nothing to run: pass --did or --file, or a --requests file")
	}

	eng, _, cleanup, err := buildEngine(cfg, engine.LogSink{})
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext(cmd)
	defer stop()

	shape := models.ShapeLocalFiles
	if runSignedURLs {
		shape = models.ShapeSignedURLs
	}

	if len(reqs) == 1 {
		rec, err := eng.Submit(ctx, reqs[0], shape)
		if err != nil {
			return err
		}
		printResult(rec, shape)
		return nil
	}

	results := eng.RunAll(ctx, reqs, shape, runIsolate)
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", requestLabel(res.Request), res.Err)
			continue
		}
		fmt.Printf("✓ %s (%d files)\n", requestLabel(res.Request), len(resultOutputs(res.Result, shape)))
		printResult(res.Result, shape)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d transforms failed", failed, len(results))
	}
	return nil
}

// collectRequests builds the request list from flags or the requests file.
func collectRequests() ([]*models.TransformRequest, error) {
	if runRequests != "" {
		return loadRequestFile(runRequests)
	}
	if runDID == "" && len(runFiles) == 0 {
		return nil, nil
	}

	selection, err := resolveSelection(runSelection)
	if err != nil {
		return nil, err
	}

	req := &models.TransformRequest{
		Title:             runTitle,
		DID:               runDID,
		FileList:          runFiles,
		Selection:         selection,
		Codegen:           runCodegen,
		Image:             runImage,
		TreeName:          runTree,
		ResultDestination: models.DestinationObjectStore,
		ResultFormat:      models.ResultFormat(runFormat),
	}
	return []*models.TransformRequest{req}, nil
}

// loadRequestFile reads a YAML list of transform requests.
func loadRequestFile(path string) ([]*models.TransformRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read requests file: %w", err)
	}

	var doc struct {
		Requests []requestSpec `yaml:"requests"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse requests file: %w", err)
	}

	reqs := make([]*models.TransformRequest, 0, len(doc.Requests))
	for i, spec := range doc.Requests {
		selection, err := resolveSelection(spec.Selection)
		if err != nil {
			return nil, fmt.Errorf("request #%d: %w", i+1, err)
		}
		format := spec.Format
		if format == "" {
			format = string(models.FormatParquet)
		}
		reqs = append(reqs, &models.TransformRequest{
			Title:             spec.Title,
			DID:               spec.DID,
			FileList:          spec.Files,
			Selection:         selection,
			Codegen:           spec.Codegen,
			Image:             spec.Image,
			TreeName:          spec.Tree,
			ResultDestination: models.DestinationObjectStore,
			ResultFormat:      models.ResultFormat(format),
		})
	}
	return reqs, nil
}

// requestSpec is the YAML shape of one request in a requests file.
type requestSpec struct {
	Title     string   `yaml:"title"`
	DID       string   `yaml:"did"`
	Files     []string `yaml:"files"`
	Selection string   `yaml:"selection"`
	Codegen   string   `yaml:"codegen"`
	Image     string   `yaml:"image"`
	Tree      string   `yaml:"tree"`
	Format    string   `yaml:"format"`
}

// resolveSelection returns the selection text, reading it from a file when
// prefixed with @.
func resolveSelection(s string) (string, error) {
	if len(s) > 1 && s[0] == '@' {
		data, err := os.ReadFile(s[1:])
		if err != nil {
			return "", fmt.Errorf("failed to read selection file: %w", err)
		}
		return string(data), nil
	}
	return s, nil
}

func requestLabel(req *models.TransformRequest) string {
	if req.Title != "" {
		return req.Title
	}
	if req.DID != "" {
		return req.DID
	}
	return fmt.Sprintf("%d files", len(req.FileList))
}

func resultOutputs(rec *models.TransformedResult, shape models.OutputShape) []string {
	if shape == models.ShapeSignedURLs {
		return rec.SignedURLList
	}
	return rec.FileList
}

func printResult(rec *models.TransformedResult, shape models.OutputShape) {
	for _, output := range resultOutputs(rec, shape) {
		fmt.Println(output)
	}
}
