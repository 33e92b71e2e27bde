// Package pipeline sequences a full plausibility scoring run: loading the
// peak image, masks and tractograms, the anchor fitting pre-step, the
// selected candidate scoring mode, overlap evaluation against references,
// and report emission.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"tractscore/pkg/config"
	"tractscore/pkg/fitting"
	"tractscore/pkg/peaks"
	"tractscore/pkg/scoring"
	"tractscore/pkg/tractogram"
)

// BundleExt is the file extension of bundle container files.
const BundleExt = ".json"

// FieldExt is the file extension of peak field and mask files.
const FieldExt = ".npy"

// Params names the input and output locations of one run.
type Params struct {
	// PeakFile is the observed peak image. Mandatory.
	PeakFile string

	// CandidateFolder contains the candidate tractograms. Mandatory.
	CandidateFolder string

	// OutputFolder receives the report, scored bundles and residual
	// fields. Mandatory; created if missing.
	OutputFolder string

	// AnchorFile is the trusted anchor tractogram fitted before any
	// candidate scoring. Optional.
	AnchorFile string

	// MaskFile restricts fitting to the voxels inside the mask. Optional.
	MaskFile string

	// ReferenceMaskFolders lists folders (or single files) of reference
	// tract masks for overlap evaluation. Optional.
	ReferenceMaskFolders []string

	// ReferencePeaksFolders lists folders (or single files) of reference
	// peak images, index-aligned with the reference masks. Optional.
	ReferencePeaksFolders []string
}

// Mode is the candidate scoring mode of a run. Modes are mutually
// exclusive and chosen once from configuration.
type Mode int

const (
	// ModeJointFit fits all candidates simultaneously, each fiber a
	// separate regression variable. The default.
	ModeJointFit Mode = iota

	// ModeGreedy adds candidates one after the other, each round keeping
	// the candidate that most reduces the RMSE.
	ModeGreedy

	// ModeWeightScore skips fitting and scores each candidate by its
	// first fiber's input weight.
	ModeWeightScore

	// ModeStreamlineCountScore skips fitting and scores each candidate by
	// its fiber count.
	ModeStreamlineCountScore
)

func modeFrom(cfg *config.Config) Mode {
	switch {
	case cfg.Mode.UseWeights:
		return ModeWeightScore
	case cfg.Mode.UseNumStreamlines:
		return ModeStreamlineCountScore
	case cfg.Mode.Greedy:
		return ModeGreedy
	default:
		return ModeJointFit
	}
}

// Runner executes one scoring run.
type Runner struct {
	params Params
	cfg    *config.Config
	log    logrus.FieldLogger
	scorer *scoring.Scorer

	field      *peaks.Field
	mask       *peaks.Mask
	candidates []*tractogram.Bundle
	refMasks   []*peaks.Mask
	refPeaks   []*peaks.Field
	refNames   []string

	report *Report
}

// NewRunner creates a runner for the given inputs and configuration.
func NewRunner(params Params, cfg *config.Config, log logrus.FieldLogger) *Runner {
	return &Runner{
		params: params,
		cfg:    cfg,
		log:    log,
		scorer: scoring.NewScorer(cfg.Scoring.AngularThreshold, log),
	}
}

// Run executes the pipeline: load, flip, anchor pre-step, mode dispatch,
// scoring, report. Any error touching the mandatory peak image, candidate
// folder or output folder is fatal; optional references and empty
// candidates are skipped with a log line.
func (r *Runner) Run() error {
	if err := os.MkdirAll(r.params.OutputFolder, 0755); err != nil {
		return fmt.Errorf("create output folder: %w", err)
	}

	rep, err := NewReport(filepath.Join(r.params.OutputFolder, r.cfg.Output.LogFile))
	if err != nil {
		return err
	}
	defer rep.Close()
	r.report = rep

	if err := r.loadInputs(); err != nil {
		return err
	}

	if r.cfg.Flip.X || r.cfg.Flip.Y || r.cfg.Flip.Z {
		r.log.WithFields(logrus.Fields{
			"x": r.cfg.Flip.X, "y": r.cfg.Flip.Y, "z": r.cfg.Flip.Z,
		}).Info("flipping peak directions")
		r.field = r.field.Flip(r.cfg.Flip.X, r.cfg.Flip.Y, r.cfg.Flip.Z)
	}

	baselineRMSE, err := r.fitAnchor()
	if err != nil {
		return err
	}

	switch modeFrom(r.cfg) {
	case ModeWeightScore:
		return r.runWeightScore(true)
	case ModeStreamlineCountScore:
		return r.runWeightScore(false)
	case ModeGreedy:
		return r.runGreedy(baselineRMSE)
	default:
		return r.runJointFit()
	}
}

// loadInputs loads the peak image, mask, candidates and references.
func (r *Runner) loadInputs() error {
	var err error
	r.field, err = peaks.LoadField(r.params.PeakFile)
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"grid":  fmt.Sprintf("%dx%dx%d", r.field.NX, r.field.NY, r.field.NZ),
		"peaks": r.field.PeaksPerVoxel,
	}).Info("loaded peak image")

	if r.params.MaskFile != "" {
		r.mask, err = peaks.LoadMask(r.params.MaskFile)
		if err != nil {
			return err
		}
		if !r.field.SameGridAsMask(r.mask) {
			return fmt.Errorf("peak image vs mask: %w", peaks.ErrDimensionMismatch)
		}
	}

	files, err := tractogram.ListBundleFiles(r.params.CandidateFolder, []string{BundleExt})
	if err != nil {
		return err
	}
	for _, f := range files {
		b, err := tractogram.LoadBundle(f)
		if err != nil {
			r.log.WithError(err).WithField("file", f).Warn("skipping unreadable candidate")
			continue
		}
		if b.NumFibers() == 0 {
			r.log.WithField("file", f).Info("skipping empty candidate")
			continue
		}
		r.candidates = append(r.candidates, b)
	}
	r.log.WithField("count", len(r.candidates)).Info("loaded candidate tracts")

	r.refMasks, r.refNames = r.loadReferenceMasks()
	r.refPeaks = r.loadReferencePeaks()
	r.log.WithFields(logrus.Fields{
		"masks": len(r.refMasks),
		"peaks": len(r.refPeaks),
	}).Info("loaded references")
	return nil
}

// expandEntries turns a mixed list of folders and files into a sorted file
// list. Folders contribute their matching entries; missing paths are
// skipped with a warning.
func (r *Runner) expandEntries(entries []string, ext string) []string {
	var files []string
	for _, entry := range entries {
		info, err := os.Stat(entry)
		if err != nil {
			r.log.WithField("path", entry).Warn("reference path does not exist, skipping")
			continue
		}
		if !info.IsDir() {
			files = append(files, entry)
			continue
		}
		dirEntries, err := os.ReadDir(entry)
		if err != nil {
			r.log.WithError(err).WithField("path", entry).Warn("cannot list reference folder, skipping")
			continue
		}
		var inDir []string
		for _, e := range dirEntries {
			if !e.IsDir() && filepath.Ext(e.Name()) == ext {
				inDir = append(inDir, filepath.Join(entry, e.Name()))
			}
		}
		sort.Strings(inDir)
		files = append(files, inDir...)
	}
	return files
}

func (r *Runner) loadReferenceMasks() ([]*peaks.Mask, []string) {
	var masks []*peaks.Mask
	var names []string
	for _, f := range r.expandEntries(r.params.ReferenceMaskFolders, FieldExt) {
		m, err := peaks.LoadMask(f)
		if err != nil {
			r.log.WithError(err).WithField("file", f).Warn("skipping unreadable reference mask")
			continue
		}
		masks = append(masks, m)
		names = append(names, baseName(f))
	}
	return masks, names
}

func (r *Runner) loadReferencePeaks() []*peaks.Field {
	var fields []*peaks.Field
	for _, f := range r.expandEntries(r.params.ReferencePeaksFolders, FieldExt) {
		p, err := peaks.LoadField(f)
		if err != nil {
			r.log.WithError(err).WithField("file", f).Warn("skipping unreadable reference peaks")
			continue
		}
		fields = append(fields, p)
	}
	return fields
}

// fitAnchor runs the anchor pre-step: the anchor tractogram is fitted as a
// single fixed bundle against the original peak field and its contribution
// subtracted, so candidates are scored against the underexplained signal.
// Returns the anchor fit RMSE, or 0 when no anchor is available. An empty
// anchor disables the step without aborting the run.
func (r *Runner) fitAnchor() (float64, error) {
	if r.params.AnchorFile == "" {
		return 0, nil
	}
	anchor, err := tractogram.LoadBundle(r.params.AnchorFile)
	if err != nil {
		return 0, err
	}
	if anchor.NumFibers() == 0 {
		r.log.Warn("anchor tractogram is empty, scoring without anchor")
		return 0, nil
	}

	r.log.WithField("fibers", anchor.NumFibers()).Info("fitting anchor tracts")
	opts := r.fitOptions()
	opts.Regularization = fitting.RegNone
	opts.FitPerFiber = false
	res, err := fitting.Fit(r.field, []*tractogram.Bundle{anchor}, r.mask, opts, r.log)
	if err != nil {
		return 0, err
	}

	name := anchor.Name
	r.report.AnchorRecord(res.RMSDiffPerBundle[0], name, res.RMSE)

	anchor.SetUniformColor(255, 255, 255)
	out := filepath.Join(r.params.OutputFolder,
		fmt.Sprintf("%d_%s%s", int(100000*res.RMSDiffPerBundle[0]), name, BundleExt))
	if err := anchor.Save(out); err != nil {
		return 0, err
	}
	residualPath := filepath.Join(r.params.OutputFolder, "Residual_"+name+FieldExt)
	if err := res.Residual.Save(residualPath); err != nil {
		return 0, err
	}

	r.field = res.Residual
	return res.RMSE, nil
}

// fitOptions builds the engine options from configuration.
func (r *Runner) fitOptions() fitting.Options {
	opts := fitting.DefaultOptions()
	opts.Lambda = r.cfg.Fitting.Lambda
	opts.FilterOutliers = r.cfg.Fitting.FilterOutliers
	if r.cfg.Fitting.MaxIterations > 0 {
		opts.MaxIterations = r.cfg.Fitting.MaxIterations
	}
	if r.cfg.Fitting.Tolerance > 0 {
		opts.Tolerance = r.cfg.Fitting.Tolerance
	}
	return opts
}

// scoreAndRecord evaluates one scored bundle against the references and
// writes its report lines.
func (r *Runner) scoreAndRecord(b *tractogram.Bundle, score float64) {
	numVoxels := b.NumCoveredVoxels(r.field.NX, r.field.NY, r.field.NZ)
	r.report.ScoreRecord(score, b.Name, numVoxels, b.NumFibers(), b.WeightSum())
	overlap := r.scorer.ScoreOverlap(b, r.refMasks, r.refPeaks)
	r.report.OverlapRecord(overlap, r.refNames)
}

// runWeightScore scores candidates without fitting, using either the first
// fiber's input weight or the fiber count.
func (r *Runner) runWeightScore(useWeights bool) error {
	r.log.Info("using tract weights as scores")
	for _, b := range r.candidates {
		mod := 1.0
		var score float64
		if useWeights {
			score = b.FiberWeight(0)
			mod = 100000
		} else {
			score = float64(b.NumFibers())
		}
		b.ColorByOrientation()

		out := filepath.Join(r.params.OutputFolder,
			fmt.Sprintf("%d_%s%s", int(mod*score), b.Name, BundleExt))
		if err := b.Save(out); err != nil {
			return err
		}
		r.scoreAndRecord(b, score)
	}
	return nil
}

// runJointFit fits all candidates simultaneously with one fiber-level
// regression and scores each candidate by its bundle contribution.
func (r *Runner) runJointFit() error {
	if len(r.candidates) == 0 {
		r.log.Warn("no candidates to fit")
		return nil
	}
	r.log.Info("fitting candidate tracts jointly")

	regu, err := fitting.ParseRegularization(r.cfg.Fitting.Regularization)
	if err != nil {
		return err
	}
	opts := r.fitOptions()
	opts.Regularization = regu
	opts.FitPerFiber = true

	res, err := fitting.Fit(r.field, r.candidates, r.mask, opts, r.log)
	if err != nil {
		return err
	}

	for c, b := range r.candidates {
		saved := b
		if r.cfg.Output.FilterZeroWeights {
			saved = b.FilterByWeight(0)
		}
		out := filepath.Join(r.params.OutputFolder,
			fmt.Sprintf("%d_%s%s", int(100000*res.RMSDiffPerBundle[c]), b.Name, BundleExt))
		if err := saved.Save(out); err != nil {
			return err
		}
		r.scoreAndRecord(saved, res.RMSDiffPerBundle[c])
	}

	all := tractogram.NewBundle("AllCandidates").Merge(r.candidates...)
	all.ColorByWeights()
	if err := all.Save(filepath.Join(r.params.OutputFolder, "AllCandidates"+BundleExt)); err != nil {
		return err
	}
	return res.Residual.Save(filepath.Join(r.params.OutputFolder, "Residual_AllCandidates"+FieldExt))
}

// runGreedy delegates to the greedy selector and writes one bundle and
// residual field per selection round.
func (r *Runner) runGreedy(baselineRMSE float64) error {
	r.log.WithField("baselineRMSE", baselineRMSE).Info("greedy candidate selection")

	opts := r.fitOptions()
	selections, err := fitting.SelectGreedy(r.field, r.candidates, r.mask, opts, baselineRMSE, r.log)
	if err != nil {
		return err
	}

	for _, sel := range selections {
		b := sel.Bundle
		if r.cfg.Output.FilterZeroWeights {
			b = b.FilterByWeight(0)
		}
		prefix := fmt.Sprintf("%d_%s", sel.Round, b.Name)
		if err := b.Save(filepath.Join(r.params.OutputFolder, prefix+BundleExt)); err != nil {
			return err
		}
		if err := sel.Residual.Save(filepath.Join(r.params.OutputFolder, prefix+FieldExt)); err != nil {
			return err
		}

		r.report.GreedyRecord(sel.Result.RMSE, b.Name, sel.Result.CoveredDirections)
		overlap := r.scorer.ScoreOverlap(b, r.refMasks, nil)
		r.report.OverlapRecord(overlap, r.refNames)
	}
	return nil
}

// baseName strips the directory and extension from a path.
func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
