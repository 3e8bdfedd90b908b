// Package pipeline runs a complete focal analysis: it loads an acquisition,
// reconstructs the pressure field, measures the -3dB focus, normalizes the
// field and builds the transfer functions for rendering.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"focalfield/internal/models"
	"focalfield/internal/store"
	"focalfield/pkg/analysis"
	"focalfield/pkg/config"
	"focalfield/pkg/normalization"
	"focalfield/pkg/reconstruction"
	"focalfield/pkg/transfer"
)

// divergenceTolerance is how far the derived anchor may drift from 0.708
// before the difference is reported
const divergenceTolerance = 0.01

// Source provides the acquisition data. LoadDense returns store.ErrNoDenseField
// when only sparse records exist; LoadSamples reports how many records it had
// to skip.
type Source interface {
	LoadConfiguration() (*models.Configuration, error)
	LoadDense(shape models.Shape) ([]float64, error)
	LoadSamples() ([]models.VoxelSample, int, error)
}

// DenseWriter is implemented by sources that can cache a reconstructed field
type DenseWriter interface {
	SaveDense(field *models.PressureField) error
}

// Params holds the pipeline inputs
type Params struct {
	Source Source

	// Config is the application configuration. Nil selects config.DefaultConfig().
	Config *config.Config

	// Logger receives step messages and warnings. Nil discards them.
	Logger *log.Logger

	// Progress is forwarded to the reconstructor. Optional.
	Progress reconstruction.ProgressCallback
}

// Result is everything a run produced
type Result struct {
	RunID  uuid.UUID
	Config *models.Configuration
	Field  *models.PressureField

	// Dense is set when the field was loaded from a dense array
	Dense bool

	// Stats describes the sparse reconstruction; it is zero on the dense path
	Stats reconstruction.Stats

	FieldStats analysis.FieldStats
	Metrics    analysis.Metrics
	Normalized *normalization.Field
	Transfer   *transfer.Set
}

// Pipeline runs the analysis steps in order
type Pipeline struct {
	params *Params
	cfg    *config.Config
	logger *log.Logger
}

// New creates a pipeline
func New(params *Params) *Pipeline {
	cfg := params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := params.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Pipeline{params: params, cfg: cfg, logger: logger}
}

// Run executes every step. ctx is checked between steps.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if p.params.Source == nil {
		return nil, errors.New("pipeline has no data source")
	}
	if err := p.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	res := &Result{RunID: uuid.New()}
	p.logger.Printf("Run %s", res.RunID)

	// Step 1: Configuration
	p.logger.Println("Step 1: Loading acquisition configuration...")
	acq, err := p.params.Source.LoadConfiguration()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	res.Config = acq
	p.logger.Printf("Grid %dx%dx%d voxels, voxel size %g mm",
		acq.Shape[0], acq.Shape[1], acq.Shape[2], acq.VoxelSizeMM)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 2: Reconstruction
	p.logger.Println("Step 2: Reconstructing pressure field...")
	if err := p.reconstruct(res); err != nil {
		return nil, fmt.Errorf("failed to reconstruct pressure field: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 3: Focal analysis
	p.logger.Println("Step 3: Analyzing focal region...")
	if res.FieldStats, err = analysis.Summarize(res.Field); err != nil {
		return nil, fmt.Errorf("failed to summarize field: %w", err)
	}
	if res.Metrics, err = analysis.Analyze(res.Field, acq.VoxelSizeMM); err != nil {
		return nil, fmt.Errorf("failed to analyze field: %w", err)
	}
	if res.Metrics.Fallback {
		p.logger.Printf("Warning: -3dB boundary undefined, using half-maximum threshold %.6f",
			res.Metrics.Threshold)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 4: Normalization
	p.logger.Println("Step 4: Normalizing pressure field...")
	if res.Normalized, err = normalization.Normalize(res.Field); err != nil {
		return nil, fmt.Errorf("failed to normalize field: %w", err)
	}
	if res.Normalized.Degenerate && res.FieldStats.NonZero > 0 {
		p.logger.Println("Warning: all measured voxels are equal, normalized to 0.5")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 5: Transfer functions
	p.logger.Println("Step 5: Building transfer functions...")
	mode := transfer.AnchorMode(p.cfg.Transfer.AnchorMode)
	if res.Transfer, err = transfer.Build(mode, res.Normalized, res.Metrics.FWHMThreshold); err != nil {
		return nil, fmt.Errorf("failed to build transfer functions: %w", err)
	}
	if d := res.Transfer.Divergence(); math.Abs(d) > divergenceTolerance {
		p.logger.Printf("Normalized -3dB position is %.3f, %+.3f from the reference anchor %.3f (%s anchor in use: %.3f)",
			res.Transfer.FWHMPosition, d, transfer.ReferenceAnchor, mode, res.Transfer.Anchor)
	}

	p.logger.Println("Analysis complete")
	return res, nil
}

// reconstruct takes the dense fast path when the source has a dense array and
// folds the sparse records otherwise
func (p *Pipeline) reconstruct(res *Result) error {
	rec := reconstruction.NewReconstructor(&reconstruction.Params{
		Config:   res.Config,
		Workers:  p.cfg.Processing.Workers,
		Logger:   p.logger,
		Progress: p.params.Progress,
	})

	values, err := p.params.Source.LoadDense(res.Config.Shape)
	switch {
	case err == nil:
		p.logger.Println("Using dense pressure field")
		res.Field, err = rec.FromDense(values)
		res.Dense = true
		return err
	case !errors.Is(err, store.ErrNoDenseField):
		return err
	}

	p.logger.Println("No dense pressure field found, reconstructing from voxel records...")
	samples, unreadable, err := p.params.Source.LoadSamples()
	if err != nil {
		return err
	}
	res.Field, res.Stats, err = rec.FromSamples(samples)
	if err != nil {
		return err
	}
	res.Stats.Records += unreadable
	res.Stats.Skipped += unreadable
	p.logger.Printf("Applied %d of %d records (%d skipped)",
		res.Stats.Applied, res.Stats.Records, res.Stats.Skipped)

	if w, ok := p.params.Source.(DenseWriter); ok && p.cfg.Processing.SaveDenseField {
		if err := w.SaveDense(res.Field); err != nil {
			p.logger.Printf("Warning: failed to save dense field: %v", err)
		} else {
			p.logger.Println("Saved dense pressure field for later runs")
		}
	}
	return nil
}

// Summary renders the field statistics and focal metrics as text
func (r *Result) Summary() string {
	pr := message.NewPrinter(language.English)
	m := r.Metrics
	s := r.FieldStats
	var b strings.Builder

	shape := r.Config.Shape
	pr.Fprintf(&b, "Run: %s\n", r.RunID)
	pr.Fprintf(&b, "Volume: %d×%d×%d voxels (%gmm)\n", shape[0], shape[1], shape[2], r.Config.VoxelSizeMM)

	b.WriteString("\nPressure field statistics:\n")
	pr.Fprintf(&b, "  Min: %.6f\n", s.Min)
	pr.Fprintf(&b, "  Max: %.6f\n", s.Max)
	pr.Fprintf(&b, "  Mean: %.6f\n", s.Mean)
	pr.Fprintf(&b, "  Non-zero: %d of %d voxels\n", s.NonZero, s.Total)
	if s.NonZero == 0 {
		b.WriteString("  No measured pressure exceeds zero\n")
	} else {
		pr.Fprintf(&b, "  Focal point at voxel: %v with pressure: %.6f\n", m.MaxIndex, m.MaxPressure)
	}

	b.WriteString("\nFWHM Analysis (-3dB threshold):\n")
	pr.Fprintf(&b, "  Absolute max pressure: %.6f\n", m.MaxPressure)
	pr.Fprintf(&b, "  FWHM threshold (-3dB): %.6f\n", m.FWHMThreshold)
	if m.Fallback {
		pr.Fprintf(&b, "  -3dB boundary undefined, half-maximum threshold used: %.6f\n", m.Threshold)
	}
	if m.BoundingBox.Empty {
		b.WriteString("  No voxels found above FWHM threshold\n")
	} else {
		b.WriteString("  FWHM dimensions:\n")
		for a := models.AxisX; a <= models.AxisZ; a++ {
			pr.Fprintf(&b, "    %s: %.2f mm (%d voxels)\n",
				strings.ToUpper(a.String()), m.DimensionsMM[a], m.BoundingBox.Extent(a))
		}
		pr.Fprintf(&b, "    Volume: %.2f mm³\n", m.VolumeMM3)
		pr.Fprintf(&b, "    Voxel count: %d voxels\n", m.VoxelCount)
	}

	if r.Stats.Legacy > 0 {
		pr.Fprintf(&b, "\nNote: %d voxels use a stored RMS value without DC removal and may be inaccurate\n",
			r.Stats.Legacy)
	}
	if r.Stats.Skipped > 0 {
		pr.Fprintf(&b, "Note: %d of %d voxel records were skipped\n", r.Stats.Skipped, r.Stats.Records)
	}

	return b.String()
}

// Overlay returns the short annotation lines drawn on rendered images
func (r *Result) Overlay() []string {
	shape := r.Config.Shape
	lines := []string{
		fmt.Sprintf("Volume: %dx%dx%d voxels (%gmm)", shape[0], shape[1], shape[2], r.Config.VoxelSizeMM),
		fmt.Sprintf("Pressure range: %.6f - %.6f", r.FieldStats.Min, r.FieldStats.Max),
		fmt.Sprintf("FWHM (-3dB): %.6f", r.Metrics.FWHMThreshold),
		fmt.Sprintf("Non-zero voxels: %d", r.FieldStats.NonZero),
	}
	if r.FieldStats.NonZero > 0 {
		idx := r.Metrics.MaxIndex
		lines = append(lines, fmt.Sprintf("Focal point: (%d, %d, %d)", idx[0], idx[1], idx[2]))
	}
	return lines
}
