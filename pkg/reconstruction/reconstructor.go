package reconstruction

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"focalfield/internal/models"
)

var (
	errOutOfRange = errors.New("index out of range")
	errNonFinite  = errors.New("non-finite value")
	errNegative   = errors.New("negative RMS value")
)

// Stats summarises a sparse reconstruction. Skipped records never abort the
// run, they are only counted here and logged as warnings.
type Stats struct {
	// Records is the number of sample records offered to the reconstructor
	Records int

	// Applied is the number of records written into the field
	Applied int

	// Skipped is the number of records rejected (bad index or corrupt payload)
	Skipped int

	// Legacy is the number of applied records that had no waveform and used
	// the stored RMS value. Those values still contain any DC offset and may
	// be too high.
	Legacy int

	// Duplicates is the number of applied records that overwrote an earlier
	// record for the same voxel
	Duplicates int
}

// ProgressCallback is a function that reports progress during reconstruction
type ProgressCallback func(completed, total int)

// Params holds the reconstruction parameters
type Params struct {
	// Config is the acquisition grid. It is required.
	Config *models.Configuration

	// Workers is the number of goroutines used to compute waveform RMS values.
	// Values below 1 select runtime.NumCPU().
	Workers int

	// Logger receives warnings about skipped and legacy records. Nil discards them.
	Logger *log.Logger

	// Progress is called while records are folded into the field. Optional.
	Progress ProgressCallback
}

// Reconstructor builds a dense pressure field either from a dense array or by
// folding sparse voxel records into a preallocated grid.
type Reconstructor struct {
	params *Params
	logger *log.Logger
}

// NewReconstructor creates a new reconstructor instance with the provided parameters.
func NewReconstructor(params *Params) *Reconstructor {
	logger := params.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Reconstructor{
		params: params,
		logger: logger,
	}
}

// FromDense wraps an already dense array. This is the fast path: values are
// used as-is and must not be modified by the caller afterwards.
func (r *Reconstructor) FromDense(values []float64) (*models.PressureField, error) {
	if err := r.params.Config.Validate(); err != nil {
		return nil, err
	}

	shape := r.params.Config.Shape
	if len(values) != shape.Len() {
		return nil, fmt.Errorf("dense array has %d values, shape %v needs %d",
			len(values), shape, shape.Len())
	}

	return &models.PressureField{Shape: shape, Data: values}, nil
}

// evaluated is the outcome of turning one record into a voxel value
type evaluated struct {
	value  float64
	legacy bool
	err    error
}

// FromSamples folds sparse voxel records into a zero-initialised field.
//
// Records are applied in input order; when two records address the same voxel
// the later one wins. Waveform RMS values are computed on a worker pool first,
// the fold itself is sequential.
func (r *Reconstructor) FromSamples(samples []models.VoxelSample) (*models.PressureField, Stats, error) {
	stats := Stats{Records: len(samples)}

	if err := r.params.Config.Validate(); err != nil {
		return nil, stats, err
	}

	shape := r.params.Config.Shape
	field := models.NewPressureField(shape)
	results := r.evaluateSamples(shape, samples)

	written := make([]bool, shape.Len())
	for i, res := range results {
		if res.err != nil {
			stats.Skipped++
			r.logger.Printf("Warning: skipping sample %s: %v", describe(samples[i]), res.err)
		} else {
			offset := shape.Offset(samples[i].Index)
			if written[offset] {
				stats.Duplicates++
			}
			written[offset] = true
			field.Data[offset] = res.value

			stats.Applied++
			if res.legacy {
				stats.Legacy++
			}
		}

		if r.params.Progress != nil {
			r.params.Progress(i+1, len(samples))
		}
	}

	if stats.Legacy > 0 {
		r.logger.Printf("Warning: %d of %d voxels use a stored RMS value without DC removal; "+
			"these values may be inaccurate", stats.Legacy, stats.Applied)
	}
	if stats.Duplicates > 0 {
		r.logger.Printf("Warning: %d records addressed an already written voxel (last record wins)",
			stats.Duplicates)
	}

	return field, stats, nil
}

// evaluateSamples computes the voxel value for every record. Each worker writes
// only its own result slots, so no locking is required.
func (r *Reconstructor) evaluateSamples(shape models.Shape, samples []models.VoxelSample) []evaluated {
	results := make([]evaluated, len(samples))

	workers := r.params.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if workers > len(samples) {
		workers = len(samples)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = evaluateSample(shape, samples[i])
			}
		}()
	}

	for i := range samples {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

// evaluateSample validates one record and derives its RMS pressure
func evaluateSample(shape models.Shape, sample models.VoxelSample) evaluated {
	if !shape.Contains(sample.Index) {
		return evaluated{err: fmt.Errorf("%w: %v not in %v", errOutOfRange, sample.Index, shape)}
	}

	if sample.HasWaveform() {
		for _, v := range sample.Ch1Voltage {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return evaluated{err: fmt.Errorf("%w in waveform", errNonFinite)}
			}
		}
		return evaluated{value: WaveformRMS(sample.Ch1Voltage)}
	}

	switch {
	case math.IsNaN(sample.RMS) || math.IsInf(sample.RMS, 0):
		return evaluated{err: fmt.Errorf("%w in stored RMS", errNonFinite)}
	case sample.RMS < 0:
		return evaluated{err: fmt.Errorf("%w %g", errNegative, sample.RMS)}
	}
	return evaluated{value: sample.RMS, legacy: true}
}

// WaveformRMS returns the RMS of a waveform after removing its DC component.
// A constant waveform therefore has an RMS of zero.
func WaveformRMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}

	ac := make([]float64, len(samples))
	copy(ac, samples)
	floats.AddConst(-stat.Mean(ac, nil), ac)

	return math.Sqrt(floats.Dot(ac, ac) / float64(len(ac)))
}

func describe(sample models.VoxelSample) string {
	if sample.Source != "" {
		return sample.Source
	}
	return fmt.Sprintf("at %v", sample.Index)
}
