package pipeline

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/sirupsen/logrus"

	"tractscore/pkg/config"
	"tractscore/pkg/peaks"
	"tractscore/pkg/tractogram"
)

// quietLogger returns a logger that discards all output during tests.
func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// writeTestField saves a 10x10x10 single-peak field with unit +x peaks in
// voxels (1..5, 5, 5).
func writeTestField(t *testing.T, path string) {
	t.Helper()
	f := peaks.NewField(10, 10, 10, 1)
	for x := 1; x <= 5; x++ {
		f.SetPeak(x, 5, 5, 0, r3.Vector{X: 1})
	}
	if err := f.Save(path); err != nil {
		t.Fatal(err)
	}
}

// writeTestBundle saves a single-fiber bundle covering voxels
// (first..last, 5, 5).
func writeTestBundle(t *testing.T, path string, first, last int) {
	t.Helper()
	b := tractogram.NewBundle(strings.TrimSuffix(filepath.Base(path), ".json"))
	f := tractogram.Fiber{Weight: 1.0}
	for x := first; x <= last+1; x++ {
		f.Points = append(f.Points, r3.Vector{X: float64(x) - 0.5, Y: 5.5, Z: 5.5})
	}
	b.Fibers = []tractogram.Fiber{f}
	if err := b.Save(path); err != nil {
		t.Fatal(err)
	}
}

// setupRun prepares a synthetic peak image and two candidates and returns
// ready-to-use run parameters.
func setupRun(t *testing.T) Params {
	t.Helper()
	dir := t.TempDir()
	peakFile := filepath.Join(dir, "peaks.npy")
	writeTestField(t, peakFile)

	candDir := filepath.Join(dir, "candidates")
	if err := os.MkdirAll(candDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeTestBundle(t, filepath.Join(candDir, "A.json"), 1, 3)
	writeTestBundle(t, filepath.Join(candDir, "B.json"), 1, 5)

	return Params{
		PeakFile:        peakFile,
		CandidateFolder: candDir,
		OutputFolder:    filepath.Join(dir, "out"),
	}
}

// readLog returns the contents of the run's report file.
func readLog(t *testing.T, params Params, cfg *config.Config) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(params.OutputFolder, cfg.Output.LogFile))
	if err != nil {
		t.Fatalf("Cannot read report: %v", err)
	}
	return string(raw)
}

// outputNames lists the files written into the output folder.
func outputNames(t *testing.T, params Params) []string {
	t.Helper()
	entries, err := os.ReadDir(params.OutputFolder)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func hasSuffix(names []string, suffix string) bool {
	for _, n := range names {
		if strings.HasSuffix(n, suffix) {
			return true
		}
	}
	return false
}

// TestRunJointFit verifies the default joint-fit mode end to end: report
// written, one scored bundle file per candidate, merged bundle and
// residual field emitted.
func TestRunJointFit(t *testing.T) {
	params := setupRun(t)
	cfg := config.DefaultConfig()

	if err := NewRunner(params, cfg, quietLogger()).Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	log := readLog(t, params, cfg)
	if !strings.HasPrefix(log, "V3\n") {
		t.Errorf("Expected V3 report header, got %q", log)
	}
	if strings.Count(log, "RMS_DIFF:") != 2 {
		t.Errorf("Expected 2 score records, got log:\n%s", log)
	}

	names := outputNames(t, params)
	if !hasSuffix(names, "_A.json") || !hasSuffix(names, "_B.json") {
		t.Errorf("Expected scored bundle files for both candidates, got %v", names)
	}
	if !hasSuffix(names, "AllCandidates.json") {
		t.Errorf("Expected merged AllCandidates bundle, got %v", names)
	}
	if !hasSuffix(names, "Residual_AllCandidates.npy") {
		t.Errorf("Expected residual field, got %v", names)
	}
}

// TestRunGreedy verifies the greedy mode selects the fully covering
// candidate first and writes one bundle and residual pair per round.
func TestRunGreedy(t *testing.T) {
	params := setupRun(t)
	cfg := config.DefaultConfig()
	cfg.Mode.Greedy = true

	if err := NewRunner(params, cfg, quietLogger()).Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	names := outputNames(t, params)
	if !hasSuffix(names, "1_B.json") {
		t.Errorf("Expected candidate B selected in round 1, got %v", names)
	}
	if !hasSuffix(names, "1_B.npy") {
		t.Errorf("Expected round 1 residual field, got %v", names)
	}

	log := readLog(t, params, cfg)
	if !strings.Contains(log, "RMSE:") {
		t.Errorf("Expected RMSE record in greedy log, got:\n%s", log)
	}
}

// TestRunWeightScore verifies the no-fitting mode scores by fiber count and
// still produces per-candidate records.
func TestRunWeightScore(t *testing.T) {
	params := setupRun(t)
	cfg := config.DefaultConfig()
	cfg.Mode.UseNumStreamlines = true

	if err := NewRunner(params, cfg, quietLogger()).Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	names := outputNames(t, params)
	// Both candidates have one fiber, so both filenames carry score 1
	if !hasSuffix(names, "1_A.json") || !hasSuffix(names, "1_B.json") {
		t.Errorf("Expected count-scored bundle files, got %v", names)
	}
	log := readLog(t, params, cfg)
	if strings.Count(log, "RMS_DIFF:") != 2 {
		t.Errorf("Expected 2 score records, got:\n%s", log)
	}
}

// TestRunWithAnchor verifies the anchor pre-step runs before candidate
// scoring and emits the anchor residual.
func TestRunWithAnchor(t *testing.T) {
	params := setupRun(t)
	anchorFile := filepath.Join(filepath.Dir(params.PeakFile), "anchor.json")
	writeTestBundle(t, anchorFile, 1, 2)
	params.AnchorFile = anchorFile

	cfg := config.DefaultConfig()
	if err := NewRunner(params, cfg, quietLogger()).Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	names := outputNames(t, params)
	if !hasSuffix(names, "Residual_anchor.npy") {
		t.Errorf("Expected anchor residual field, got %v", names)
	}
	log := readLog(t, params, cfg)
	if !strings.Contains(log, "anchor RMSE:") {
		t.Errorf("Expected anchor record, got:\n%s", log)
	}
}

// TestRunMissingPeaksFatal verifies that an unreadable mandatory peak image
// aborts the run.
func TestRunMissingPeaksFatal(t *testing.T) {
	params := setupRun(t)
	params.PeakFile = filepath.Join(t.TempDir(), "missing.npy")

	if err := NewRunner(params, config.DefaultConfig(), quietLogger()).Run(); err == nil {
		t.Error("Expected error for missing peak image")
	}
}
