package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tractscore/pkg/config"
	"tractscore/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	anchorFile := flag.String("a", "", "Anchor tractogram file (optional)")
	peakFile := flag.String("p", "", "Input peak image (required)")
	candidateFolder := flag.String("c", "", "Folder containing candidate tracts (required)")
	outputFolder := flag.String("o", "", "Output folder (required)")
	configFile := flag.String("config", "", "YAML configuration file")
	maskFile := flag.String("mask", "", "Scoring is only performed inside the mask image")
	referenceMasks := flag.String("reference-masks", "", "Comma-separated folders/files of reference tract masks")
	referencePeaks := flag.String("reference-peaks", "", "Comma-separated folders/files of reference peak images")
	greedy := flag.Bool("greedy", false, "Add candidates one by one employing a greedy scheme instead of fitting jointly")
	regu := flag.String("regu", "", "Regularization: MSM, Variance, VoxelVariance, Lasso, GroupLasso, GroupVariance, NONE (default)")
	lambda := flag.Float64("lambda", -1, "Modifier for regularization (default from config)")
	filterOutliers := flag.Bool("filter-outliers", false, "Second optimization run with an upper weight bound (99% quantile of the first run)")
	useWeights := flag.Bool("use-weights", false, "Don't fit. Use first input streamline weight per candidate as score")
	useNumStreamlines := flag.Bool("use-num-streamlines", false, "Don't fit. Use number of streamlines per candidate as score")
	filterZeroWeights := flag.Bool("filter-zero-weights", false, "Remove streamlines with weight 0 from candidates")
	flipX := flag.Bool("flipx", false, "Flip peak directions along the x-axis")
	flipY := flag.Bool("flipy", false, "Flip peak directions along the y-axis")
	flipZ := flag.Bool("flipz", false, "Flip peak directions along the z-axis")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	// Validate inputs
	if *peakFile == "" || *candidateFolder == "" || *outputFolder == "" {
		flag.Usage()
		os.Exit(1)
	}

	// Load configuration and apply flag overrides
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *greedy {
		cfg.Mode.Greedy = true
	}
	if *useWeights {
		cfg.Mode.UseWeights = true
	}
	if *useNumStreamlines {
		cfg.Mode.UseNumStreamlines = true
	}
	if *regu != "" {
		cfg.Fitting.Regularization = *regu
	}
	if *lambda >= 0 {
		cfg.Fitting.Lambda = *lambda
	}
	if *filterOutliers {
		cfg.Fitting.FilterOutliers = true
	}
	if *filterZeroWeights {
		cfg.Output.FilterZeroWeights = true
	}
	if *flipX {
		cfg.Flip.X = true
	}
	if *flipY {
		cfg.Flip.Y = true
	}
	if *flipZ {
		cfg.Flip.Z = true
	}
	if *verbose {
		cfg.Output.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Output.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	fmt.Println("================================")
	fmt.Println("ANCHOR CONSTRAINED PLAUSIBILITY SCORING OF CANDIDATE TRACTOGRAMS")
	fmt.Println("================================")

	params := pipeline.Params{
		PeakFile:              *peakFile,
		CandidateFolder:       *candidateFolder,
		OutputFolder:          *outputFolder,
		AnchorFile:            *anchorFile,
		MaskFile:              *maskFile,
		ReferenceMaskFolders:  splitList(*referenceMasks),
		ReferencePeaksFolders: splitList(*referencePeaks),
	}

	runner := pipeline.NewRunner(params, cfg, log)

	fmt.Println("Starting plausibility estimation...")
	startTime := time.Now()
	if err := runner.Run(); err != nil {
		log.WithError(err).Error("Plausibility estimation failed")
		os.Exit(1)
	}
	elapsed := time.Since(startTime)

	h := int(elapsed.Hours())
	m := int(elapsed.Minutes()) % 60
	s := int(elapsed.Seconds()) % 60
	fmt.Printf("\nPlausibility estimation took %dh, %dm and %ds\n", h, m, s)
	fmt.Printf("Results written to: %s\n", *outputFolder)
}

// splitList splits a comma-separated flag value into its non-empty entries.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
