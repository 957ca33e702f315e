// Package train fits the classifier on a dataset directory and writes the
// resulting model artifact.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/cxr-api/internal/augment"
	"github.com/Brownie44l1/cxr-api/internal/dataset"
	"github.com/Brownie44l1/cxr-api/internal/nn"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
)

// State is the position of a Trainer in its lifecycle.
type State int

const (
	Initialized State = iota
	EpochInProgress
	Validated
	Evaluated
	Persisted
	Failed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case EpochInProgress:
		return "epoch_in_progress"
	case Validated:
		return "validated"
	case Evaluated:
		return "evaluated"
	case Persisted:
		return "persisted"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrNotReady = errors.New("trainer is not in a runnable state")

// Config holds the run parameters.
type Config struct {
	Epochs int
	Seed   int64
	// Output is where the artifact is written after the test evaluation.
	Output string
	// Progress receives the per-epoch progress bar. Nil disables it.
	Progress io.Writer
}

func DefaultConfig() Config {
	return Config{
		Epochs:   20,
		Output:   "models/chest_xray_cnn.gob.zst",
		Progress: os.Stderr,
	}
}

// Epoch is one row of the training history.
type Epoch struct {
	Epoch       int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
	Elapsed     time.Duration
}

// Report is the outcome of a completed run.
type Report struct {
	History      []Epoch
	TestLoss     float64
	TestAccuracy float64
	Output       string
}

// Trainer owns a model and the three dataset splits for a single run.
type Trainer struct {
	cfg       Config
	model     *nn.Model
	opt       nn.Optimizer
	augmenter augment.Augmenter
	train     *dataset.Loader
	val       *dataset.Loader
	test      *dataset.Loader
	rng       *rand.Rand
	state     State
	history   []Epoch
}

// New prepares a run. The model input shape must match the loader image size.
func New(cfg Config, model *nn.Model, opt nn.Optimizer, train, val, test *dataset.Loader) *Trainer {
	return &Trainer{
		cfg:       cfg,
		model:     model,
		opt:       opt,
		augmenter: augment.New(),
		train:     train,
		val:       val,
		test:      test,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		state:     Initialized,
	}
}

// SetAugmenter replaces the default training augmentation.
func (t *Trainer) SetAugmenter(a augment.Augmenter) {
	t.augmenter = a
}

func (t *Trainer) State() State { return t.state }

func (t *Trainer) History() []Epoch {
	return append([]Epoch(nil), t.history...)
}

// Run trains for cfg.Epochs epochs, validating after each one, evaluates the
// test split once and saves the model. A cancelled ctx aborts the run before
// anything is written.
func (t *Trainer) Run(ctx context.Context) (Report, error) {
	if t.state != Initialized {
		return Report{}, fmt.Errorf("%w: %s", ErrNotReady, t.state)
	}
	if t.cfg.Epochs <= 0 {
		return Report{}, fmt.Errorf("epochs must be positive, got %d", t.cfg.Epochs)
	}
	log.Info().Msgf("Model summary:\n%s", t.model)

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		start := time.Now()
		t.state = EpochInProgress
		res, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			t.state = Failed
			return Report{}, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		val, err := t.evaluate(ctx, t.val)
		if err != nil {
			t.state = Failed
			return Report{}, fmt.Errorf("epoch %d validation: %w", epoch, err)
		}
		t.state = Validated
		e := Epoch{
			Epoch:       epoch,
			Loss:        res.MeanLoss(),
			Accuracy:    res.Accuracy(),
			ValLoss:     val.MeanLoss(),
			ValAccuracy: val.Accuracy(),
			Elapsed:     time.Since(start),
		}
		t.history = append(t.history, e)
		log.Info().Int("epoch", epoch).Int("epochs", t.cfg.Epochs).
			Float64("loss", e.Loss).Float64("accuracy", e.Accuracy).
			Float64("val_loss", e.ValLoss).Float64("val_accuracy", e.ValAccuracy).
			Dur("elapsed", e.Elapsed).Msg("Epoch complete")
	}

	test, err := t.evaluate(ctx, t.test)
	if err != nil {
		t.state = Failed
		return Report{}, fmt.Errorf("test evaluation: %w", err)
	}
	t.state = Evaluated
	log.Info().Msgf("Test Accuracy: %.2f%%", test.Accuracy()*100)

	meta := nn.Metadata{
		Classes:      t.train.Classes,
		Epochs:       t.cfg.Epochs,
		TestAccuracy: test.Accuracy(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := t.model.SaveFile(t.cfg.Output, meta); err != nil {
		t.state = Failed
		return Report{}, fmt.Errorf("failed to save model: %w", err)
	}
	t.state = Persisted
	log.Info().Str("path", t.cfg.Output).Msg("Model saved")

	return Report{
		History:      t.History(),
		TestLoss:     test.MeanLoss(),
		TestAccuracy: test.Accuracy(),
		Output:       t.cfg.Output,
	}, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (nn.Result, error) {
	var bar *pb.ProgressBar
	if t.cfg.Progress != nil {
		bar = pb.New(t.train.NumBatches()).SetWriter(t.cfg.Progress).
			Set("prefix", fmt.Sprintf("epoch %d/%d ", epoch, t.cfg.Epochs)).Start()
		defer bar.Finish()
	}

	var total nn.Result
	it := t.train.Batches(ctx)
	defer it.Close()
	for it.Next() {
		b := it.Batch()
		x, err := t.tensor(b, true)
		if err != nil {
			return nn.Result{}, err
		}
		res, err := t.model.TrainBatch(x, b.Labels, t.opt)
		if err != nil {
			return nn.Result{}, err
		}
		total.Add(res)
		if bar != nil {
			bar.Increment()
		}
	}
	if err := it.Err(); err != nil {
		return nn.Result{}, err
	}
	return total, nil
}

func (t *Trainer) evaluate(ctx context.Context, l *dataset.Loader) (nn.Result, error) {
	var total nn.Result
	it := l.Batches(ctx)
	defer it.Close()
	for it.Next() {
		b := it.Batch()
		x, err := t.tensor(b, false)
		if err != nil {
			return nn.Result{}, err
		}
		res, err := t.model.Evaluate(x, b.Labels)
		if err != nil {
			return nn.Result{}, err
		}
		total.Add(res)
	}
	if err := it.Err(); err != nil {
		return nn.Result{}, err
	}
	return total, nil
}

// tensor turns a batch of raw images into model input. Augmentation runs on
// the raw pixels before the single rescale.
func (t *Trainer) tensor(b dataset.Batch, augmentImages bool) (*nn.Tensor, error) {
	imgs := b.Images
	if augmentImages {
		imgs = t.augmenter.ApplyBatch(imgs, t.rng)
	}
	samples := make([]preprocess.Sample, len(imgs))
	for i, img := range imgs {
		samples[i] = preprocess.Normalize(img)
	}
	return nn.FromData(preprocess.Stack(samples...), len(samples), t.model.Input)
}
