package nn

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ErrModelLoad is returned when a model artifact cannot be read or does not
// match its declared architecture.
var ErrModelLoad = errors.New("model load failed")

const artifactVersion = 1

// Metadata describes how an artifact was produced.
type Metadata struct {
	Classes      []string
	Epochs       int
	TestAccuracy float64
	CreatedAt    time.Time
}

type artifact struct {
	Version  int
	Input    Shape
	Layers   []layerRecord
	State    [][]float32
	Metadata Metadata
}

// layerRecord is the serialized form of one LayerConfig.
type layerRecord struct {
	Type      string
	Conv2D    Conv2D
	BatchNorm BatchNorm
	MaxPool2D MaxPool2D
	Dense     Dense
	Dropout   Dropout
}

func toRecord(cfg LayerConfig) (layerRecord, error) {
	switch c := cfg.(type) {
	case Conv2D:
		return layerRecord{Type: "conv2d", Conv2D: c}, nil
	case BatchNorm:
		return layerRecord{Type: "batch_norm", BatchNorm: c}, nil
	case MaxPool2D:
		return layerRecord{Type: "max_pool", MaxPool2D: c}, nil
	case Flatten:
		return layerRecord{Type: "flatten"}, nil
	case Dense:
		return layerRecord{Type: "dense", Dense: c}, nil
	case Dropout:
		return layerRecord{Type: "dropout", Dropout: c}, nil
	default:
		return layerRecord{}, fmt.Errorf("unsupported layer config %T", cfg)
	}
}

func (r layerRecord) config() (LayerConfig, error) {
	switch r.Type {
	case "conv2d":
		return r.Conv2D, nil
	case "batch_norm":
		return r.BatchNorm, nil
	case "max_pool":
		return r.MaxPool2D, nil
	case "flatten":
		return Flatten{}, nil
	case "dense":
		return r.Dense, nil
	case "dropout":
		return r.Dropout, nil
	default:
		return nil, fmt.Errorf("invalid layer type: %q", r.Type)
	}
}

// Save writes the architecture, weights and batch-norm statistics of m as a
// zstd-compressed gob stream.
func (m *Model) Save(w io.Writer, meta Metadata) error {
	a := artifact{Version: artifactVersion, Input: m.Input, Metadata: meta}
	for _, cfg := range m.Configs {
		rec, err := toRecord(cfg)
		if err != nil {
			return err
		}
		a.Layers = append(a.Layers, rec)
	}
	for _, l := range m.layers {
		a.State = append(a.State, l.State()...)
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if err := gob.NewEncoder(zw).Encode(&a); err != nil {
		zw.Close()
		return fmt.Errorf("failed to encode model: %w", err)
	}
	return zw.Close()
}

// SaveFile writes the artifact next to path and renames it into place.
func (m *Model) SaveFile(path string, meta Metadata) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create model file: %w", err)
	}
	defer os.Remove(f.Name())
	if err := m.Save(f, meta); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write model file: %w", err)
	}
	return os.Rename(f.Name(), path)
}

// Load rebuilds a model from an artifact written by Save.
func Load(r io.Reader) (*Model, Metadata, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	defer zr.Close()

	var a artifact
	if err := gob.NewDecoder(zr).Decode(&a); err != nil {
		return nil, Metadata{}, fmt.Errorf("%w: failed to decode artifact: %v", ErrModelLoad, err)
	}
	if a.Version != artifactVersion {
		return nil, Metadata{}, fmt.Errorf("%w: unsupported artifact version %d", ErrModelLoad, a.Version)
	}
	configs := make([]LayerConfig, len(a.Layers))
	for i, rec := range a.Layers {
		if configs[i], err = rec.config(); err != nil {
			return nil, Metadata{}, fmt.Errorf("%w: %v", ErrModelLoad, err)
		}
	}
	m, err := Build(a.Input, configs, 0)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	var state [][]float32
	for _, l := range m.layers {
		state = append(state, l.State()...)
	}
	if len(state) != len(a.State) {
		return nil, Metadata{}, fmt.Errorf("%w: expected %d arrays, artifact has %d", ErrModelLoad, len(state), len(a.State))
	}
	for i, dst := range state {
		if len(dst) != len(a.State[i]) {
			return nil, Metadata{}, fmt.Errorf("%w: array %d has %d values, expected %d", ErrModelLoad, i, len(a.State[i]), len(dst))
		}
		copy(dst, a.State[i])
	}
	return m, a.Metadata, nil
}

// LoadFile reads an artifact from path.
func LoadFile(path string) (*Model, Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	defer f.Close()
	return Load(f)
}
