// Package store reads and writes an acquisition directory: the grid
// configuration, an optional dense pressure array and the sparse per-voxel
// records.
//
// Layout as written by the acquisition software (np.save of dicts):
//
//	config.npy               pickled dict with shape and voxel_size_mm
//	pressure_field.npy       optional dense (nx, ny, nz) float array
//	voxel_<ix>_<iy>_<iz>.npy pickled dict with ch1_voltage and/or rms
//
// Directories written by this package use config.yaml and
// voxel_<ix>_<iy>_<iz>.npz archives instead. Both forms are read.
package store

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sbinet/npyio"
	"github.com/sbinet/npyio/npz"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"focalfield/internal/models"
)

const (
	ConfigFile     = "config.npy"
	ConfigYAMLFile = "config.yaml"
	DenseFile      = "pressure_field.npy"
	samplePrefix   = "voxel_"
	sampleExt      = ".npz"
	pickledExt     = ".npy"

	// Configuration keys
	shapeKey     = "shape"
	voxelSizeKey = "voxel_size_mm"

	// Archive keys of a voxel record
	waveformKey = "ch1_voltage"
	rmsKey      = "rms"
)

// ErrNoDenseField is returned by LoadDense when the directory holds no dense array
var ErrNoDenseField = errors.New("no dense pressure field")

// configFile is the on-disk form of models.Configuration
type configFile struct {
	Shape       []int    `yaml:"shape"`
	VoxelSizeMM *float64 `yaml:"voxel_size_mm"`
}

// configuration checks the decoded values and builds the model
func (raw configFile) configuration(name string) (*models.Configuration, error) {
	if raw.Shape == nil || raw.VoxelSizeMM == nil {
		return nil, fmt.Errorf("%w: %s needs both %s and %s", models.ErrMissingConfiguration, name, shapeKey, voxelSizeKey)
	}
	if len(raw.Shape) != 3 {
		return nil, fmt.Errorf("%w: shape must have 3 dimensions, got %d", models.ErrInvalidConfiguration, len(raw.Shape))
	}

	cfg := &models.Configuration{
		Shape:       models.Shape{raw.Shape[0], raw.Shape[1], raw.Shape[2]},
		VoxelSizeMM: *raw.VoxelSizeMM,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Dir is an acquisition directory
type Dir struct {
	Path   string
	logger *log.Logger
}

// Open returns a Dir for path. Warnings about unreadable records go to
// logger; a nil logger discards them.
func Open(path string, logger *log.Logger) (*Dir, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open acquisition directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", path)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Dir{Path: path, logger: logger}, nil
}

// Create makes path (and its parents) and returns it as a Dir
func Create(path string, logger *log.Logger) (*Dir, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create acquisition directory: %w", err)
	}
	return Open(path, logger)
}

// LoadConfiguration reads config.npy, or config.yaml when there is none.
// A missing file or missing keys yield models.ErrMissingConfiguration.
func (d *Dir) LoadConfiguration() (*models.Configuration, error) {
	cfg, err := d.loadPickledConfiguration()
	if !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}

	data, err := os.ReadFile(filepath.Join(d.Path, ConfigYAMLFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: neither %s nor %s found in %s",
				models.ErrMissingConfiguration, ConfigFile, ConfigYAMLFile, d.Path)
		}
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	var raw configFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return raw.configuration(ConfigYAMLFile)
}

// loadPickledConfiguration reads config.npy. The error wraps os.ErrNotExist
// when the file is absent.
func (d *Dir) loadPickledConfiguration() (*models.Configuration, error) {
	path := filepath.Join(d.Path, ConfigFile)
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	dict, err := loadPickledDict(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ConfigFile, err)
	}

	var raw configFile
	if v, ok := dict.Get(shapeKey); ok {
		if raw.Shape, err = toInts(v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", models.ErrInvalidConfiguration, shapeKey, err)
		}
	}
	if v, ok := dict.Get(voxelSizeKey); ok {
		size, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", models.ErrInvalidConfiguration, voxelSizeKey, err)
		}
		raw.VoxelSizeMM = &size
	}
	return raw.configuration(ConfigFile)
}

// SaveConfiguration writes config.yaml
func (d *Dir) SaveConfiguration(cfg *models.Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	size := cfg.VoxelSizeMM
	data, err := yaml.Marshal(configFile{
		Shape:       cfg.Shape[:],
		VoxelSizeMM: &size,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.Path, ConfigYAMLFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	return nil
}

// HasDense reports whether a dense array is present
func (d *Dir) HasDense() bool {
	_, err := os.Stat(filepath.Join(d.Path, DenseFile))
	return err == nil
}

// LoadDense reads pressure_field.npy. The array must be C-ordered float64 or
// float32 and either have the given shape or be flat with shape.Len() values.
func (d *Dir) LoadDense(shape models.Shape) ([]float64, error) {
	f, err := os.Open(filepath.Join(d.Path, DenseFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoDenseField
		}
		return nil, fmt.Errorf("failed to open dense field: %w", err)
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read dense field header: %w", err)
	}
	if r.Header.Descr.Fortran {
		return nil, fmt.Errorf("dense field is stored in Fortran order, expected C order")
	}
	if !shapeMatches(r.Header.Descr.Shape, shape) {
		return nil, fmt.Errorf("dense field has shape %v, expected %v", r.Header.Descr.Shape, shape)
	}

	if r.Header.Descr.Type == objectDescr {
		return nil, fmt.Errorf("dense field holds pickled objects, expected a float array")
	}
	values, err := readFloats(r.Header.Descr.Type, r.Read)
	if err != nil {
		return nil, fmt.Errorf("failed to read dense field: %w", err)
	}
	if len(values) != shape.Len() {
		return nil, fmt.Errorf("dense field has %d values, expected %d", len(values), shape.Len())
	}
	return values, nil
}

// SaveDense writes field as a flat C-ordered float64 array
func (d *Dir) SaveDense(field *models.PressureField) error {
	if len(field.Data) != field.Shape.Len() {
		return fmt.Errorf("pressure field has %d values for shape %v", len(field.Data), field.Shape)
	}
	f, err := os.Create(filepath.Join(d.Path, DenseFile))
	if err != nil {
		return fmt.Errorf("failed to create dense field: %w", err)
	}
	if err := npyio.Write(f, field.Data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write dense field: %w", err)
	}
	return f.Close()
}

// SampleName returns the file name of the record for idx
func SampleName(idx models.Index) string {
	return fmt.Sprintf("%s%d_%d_%d%s", samplePrefix, idx[0], idx[1], idx[2], sampleExt)
}

// isSampleName reports whether name looks like a voxel record of either form
func isSampleName(name string) bool {
	ext := filepath.Ext(name)
	return strings.HasPrefix(name, samplePrefix) && (ext == sampleExt || ext == pickledExt)
}

// ParseSampleName extracts the grid index from a record file name. The first
// three fields after the prefix are the indices; further fields are ignored.
func ParseSampleName(name string) (models.Index, error) {
	var idx models.Index
	if !isSampleName(name) {
		return idx, fmt.Errorf("%s is not a voxel record", name)
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(name, samplePrefix), filepath.Ext(name)), "_")
	if len(parts) < 3 {
		return idx, fmt.Errorf("%s does not carry three indices", name)
	}
	for a, p := range parts[:3] {
		v, err := strconv.Atoi(p)
		if err != nil {
			return idx, fmt.Errorf("%s: invalid %s index %q", name, models.Axis(a), p)
		}
		idx[a] = v
	}
	return idx, nil
}

// LoadSamples reads every voxel record in file name order. Records whose name
// or contents cannot be read are logged and counted in skipped.
func (d *Dir) LoadSamples() (samples []models.VoxelSample, skipped int, err error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list voxel records: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && isSampleName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	samples = make([]models.VoxelSample, 0, len(names))
	for _, name := range names {
		sample, err := d.loadSample(name)
		if err != nil {
			d.logger.Printf("Warning: skipping record %s: %v", name, err)
			skipped++
			continue
		}
		samples = append(samples, sample)
	}
	return samples, skipped, nil
}

func (d *Dir) loadSample(name string) (models.VoxelSample, error) {
	sample := models.VoxelSample{Source: name}

	idx, err := ParseSampleName(name)
	if err != nil {
		return sample, err
	}
	sample.Index = idx

	path := filepath.Join(d.Path, name)
	var waveform, rms []float64
	if filepath.Ext(name) == pickledExt {
		waveform, rms, err = loadPickledRecord(path)
	} else {
		waveform, rms, err = loadArchiveRecord(path)
	}
	if err != nil {
		return sample, err
	}

	// An empty waveform carries nothing; the stored RMS is used instead
	switch {
	case len(waveform) > 0:
		sample.Ch1Voltage = waveform
	case rms != nil:
		if len(rms) != 1 {
			return sample, fmt.Errorf("%s holds %d values, expected 1", rmsKey, len(rms))
		}
		sample.RMS = rms[0]
	default:
		return sample, fmt.Errorf("neither a non-empty %s nor %s present", waveformKey, rmsKey)
	}
	return sample, nil
}

// loadArchiveRecord reads the waveform and RMS entries of an .npz record.
// Absent entries are returned as nil.
func loadArchiveRecord(path string) (waveform, rms []float64, err error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	keys := r.Keys()
	if key, ok := findKey(keys, waveformKey); ok {
		if waveform, err = readArchiveFloats(r, key); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", waveformKey, err)
		}
	}
	if key, ok := findKey(keys, rmsKey); ok {
		if rms, err = readArchiveFloats(r, key); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", rmsKey, err)
		}
	}
	return waveform, rms, nil
}

// loadPickledRecord reads the waveform and RMS entries of a pickled dict
// record. Absent entries are returned as nil.
func loadPickledRecord(path string) (waveform, rms []float64, err error) {
	dict, err := loadPickledDict(path)
	if err != nil {
		return nil, nil, err
	}

	if v, ok := dict.Get(waveformKey); ok {
		if waveform, err = toFloats(v); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", waveformKey, err)
		}
	}
	if v, ok := dict.Get(rmsKey); ok {
		value, err := toFloat(v)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", rmsKey, err)
		}
		rms = []float64{value}
	}
	return waveform, rms, nil
}

// SaveSample writes one voxel record. The waveform is stored when present,
// otherwise the RMS value.
func (d *Dir) SaveSample(sample models.VoxelSample) error {
	w, err := npz.Create(filepath.Join(d.Path, SampleName(sample.Index)))
	if err != nil {
		return fmt.Errorf("failed to create voxel record: %w", err)
	}
	if sample.HasWaveform() {
		err = w.Write(waveformKey, sample.Ch1Voltage)
	} else {
		err = w.Write(rmsKey, []float64{sample.RMS})
	}
	if err != nil {
		w.Close()
		return fmt.Errorf("failed to write voxel record: %w", err)
	}
	return w.Close()
}

// findKey matches an archive entry with or without its .npy suffix
func findKey(keys []string, name string) (string, bool) {
	i := slices.IndexFunc(keys, func(k string) bool {
		return strings.TrimSuffix(k, ".npy") == name
	})
	if i < 0 {
		return "", false
	}
	return keys[i], true
}

// readArchiveFloats reads an archive entry as float64, retrying as float32
// when the stored dtype does not match
func readArchiveFloats(r *npz.Reader, key string) ([]float64, error) {
	var values []float64
	err := r.Read(key, &values)
	if err == nil {
		return values, nil
	}
	var narrow []float32
	if err32 := r.Read(key, &narrow); err32 != nil {
		return nil, err
	}
	return widen(narrow), nil
}

// readFloats reads a float64 or float32 array through read, widening float32
func readFloats(descr string, read func(ptr any) error) ([]float64, error) {
	switch descr {
	case "<f8", ">f8", "f8", "float64":
		var values []float64
		if err := read(&values); err != nil {
			return nil, err
		}
		return values, nil
	case "<f4", ">f4", "f4", "float32":
		var values []float32
		if err := read(&values); err != nil {
			return nil, err
		}
		return widen(values), nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q, expected float64 or float32", descr)
	}
}

func widen(values []float32) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}

func shapeMatches(got []int, want models.Shape) bool {
	switch len(got) {
	case 1:
		return got[0] == want.Len()
	case 3:
		return got[0] == want[0] && got[1] == want[1] && got[2] == want[2]
	default:
		return false
	}
}
