package pipeline

import (
	"fmt"
	"io"
	"os"

	"tractscore/pkg/scoring"
)

// reportVersion is the first line of every report file; downstream analysis
// scripts key their parsing on it.
const reportVersion = "V3"

// Report writes the per-bundle scoring records of a run to a log file. The
// line format follows the established evaluation log layout so existing
// analysis tooling keeps working: a score line per bundle followed by its
// best-overlap lines.
type Report struct {
	w      io.Writer
	closer io.Closer
}

// NewReport creates a report writing to the given path and emits the
// version header.
func NewReport(path string) (*Report, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create report %s: %w", path, err)
	}
	r := newReportWriter(f)
	r.closer = f
	return r, nil
}

// newReportWriter wraps an existing writer and emits the version header.
func newReportWriter(w io.Writer) *Report {
	r := &Report{w: w}
	fmt.Fprintf(r.w, "%s\n", reportVersion)
	return r
}

// Close flushes and closes the underlying file.
func (r *Report) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// ScoreRecord writes the per-bundle score line: score, bundle name, voxel
// coverage count, fiber count and summed fiber weight.
func (r *Report) ScoreRecord(score float64, name string, numVoxels, numFibers int, weightSum float64) {
	fmt.Fprintf(r.w, "RMS_DIFF: %.5g %s %d %d %.5g\n", score, name, numVoxels, numFibers, weightSum)
}

// AnchorRecord writes the anchor pre-step line with its contribution and
// the overall fit RMSE.
func (r *Report) AnchorRecord(rmsDiff float64, name string, rmse float64) {
	fmt.Fprintf(r.w, "RMS_DIFF: %.5g %s RMSE: %.5g\n", rmsDiff, name, rmse)
}

// GreedyRecord writes one greedy selection round: the RMSE after selecting
// the bundle and the number of directions its fit covers.
func (r *Report) GreedyRecord(rmse float64, name string, coveredDirections int) {
	fmt.Fprintf(r.w, "RMSE: %.5g %s %d\n", rmse, name, coveredDirections)
}

// OverlapRecord writes the best-overlap lines for a bundle. refNames maps
// reference indices to display names. With no matching reference a single
// No_overlap line is written.
func (r *Report) OverlapRecord(score scoring.Score, refNames []string) {
	if score.BestVolumetric.Index < 0 {
		fmt.Fprintf(r.w, "No_overlap\n")
		return
	}
	fmt.Fprintf(r.w, "Best_overlap: %.5g %.5g %s\n",
		score.BestVolumetric.Value, score.BestVolumetric.Companion,
		refNames[score.BestVolumetric.Index])
	if score.BestDirectional.Index >= 0 {
		fmt.Fprintf(r.w, "Best_dir_overlap: %.5g %.5g %s\n",
			score.BestDirectional.Value, score.BestDirectional.Companion,
			refNames[score.BestDirectional.Index])
	}
}
