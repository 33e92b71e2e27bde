package pipeline

import (
	"bytes"
	"strings"
	"testing"

	"tractscore/pkg/scoring"
)

// TestReportHeader verifies the version header is the first line.
func TestReportHeader(t *testing.T) {
	var buf bytes.Buffer
	newReportWriter(&buf)

	lines := strings.Split(buf.String(), "\n")
	if lines[0] != "V3" {
		t.Errorf("Expected V3 header, got %q", lines[0])
	}
}

// TestReportRecords verifies the line formats downstream parsers rely on.
func TestReportRecords(t *testing.T) {
	var buf bytes.Buffer
	r := newReportWriter(&buf)

	r.ScoreRecord(0.012345, "bundle_a", 42, 7, 3.5)
	r.GreedyRecord(0.5, "bundle_b", 9)
	r.AnchorRecord(0.25, "anchor", 0.75)

	out := buf.String()
	for _, want := range []string{
		"RMS_DIFF: 0.012345 bundle_a 42 7 3.5\n",
		"RMSE: 0.5 bundle_b 9\n",
		"RMS_DIFF: 0.25 anchor RMSE: 0.75\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected report to contain %q, got:\n%s", want, out)
		}
	}
}

// TestReportOverlapLines verifies best-overlap emission including the
// no-overlap case.
func TestReportOverlapLines(t *testing.T) {
	var buf bytes.Buffer
	r := newReportWriter(&buf)

	r.OverlapRecord(scoring.Score{
		BestVolumetric:  scoring.Overlap{Value: 0.8, Companion: 0.1, Index: 0},
		BestDirectional: scoring.Overlap{Value: 0.9, Companion: 0.7, Index: 1},
	}, []string{"ref_a", "ref_b"})
	r.OverlapRecord(scoring.Score{
		BestVolumetric:  scoring.Overlap{Index: -1},
		BestDirectional: scoring.Overlap{Index: -1},
	}, nil)

	out := buf.String()
	for _, want := range []string{
		"Best_overlap: 0.8 0.1 ref_a\n",
		"Best_dir_overlap: 0.9 0.7 ref_b\n",
		"No_overlap\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected report to contain %q, got:\n%s", want, out)
		}
	}
}
