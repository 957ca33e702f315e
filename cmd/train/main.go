package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/cxr-api/internal/dataset"
	"github.com/Brownie44l1/cxr-api/internal/logger"
	"github.com/Brownie44l1/cxr-api/internal/nn"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
	"github.com/Brownie44l1/cxr-api/internal/train"
)

type args struct {
	Data     string `help:"dataset root holding train, val and test directories" arg:"-d,required"`
	Out      string `help:"path of the model artifact to write" arg:"-o"`
	Epochs   int    `help:"number of training epochs" arg:"-e"`
	Batch    int    `help:"images per batch" arg:"-b"`
	Seed     int64  `help:"seed for weights, shuffling and augmentation"`
	Cache    int    `help:"decoded images kept in memory, 0 disables the cache"`
	Workers  int    `help:"parallel image decoders"`
	LogLevel string `help:"DEBUG, INFO, WARN or ERROR" arg:"--log-level"`
}

func (args) Description() string {
	return "Train the chest X-ray pneumonia classifier."
}

func main() {
	defaults := train.DefaultConfig()
	args := args{
		Out:      defaults.Output,
		Epochs:   defaults.Epochs,
		Batch:    32,
		Seed:     42,
		Cache:    6000,
		Workers:  runtime.NumCPU(),
		LogLevel: "INFO",
	}
	arg.MustParse(&args)
	logger.Init("cxr-train", args.LogLevel)

	opts := dataset.DefaultOptions()
	opts.BatchSize = args.Batch
	opts.Seed = args.Seed
	opts.CacheSize = args.Cache
	opts.Workers = args.Workers
	trainSet, valSet, testSet, err := dataset.OpenSplits(args.Data, opts)
	if err != nil {
		log.Fatal().Err(err).Str("data", args.Data).Msg("Failed to open dataset")
	}

	input := nn.Shape{preprocess.ImageSize, preprocess.ImageSize, preprocess.Channels}
	model, err := nn.Build(input, nn.Architecture(), args.Seed)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build model")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := train.Config{Epochs: args.Epochs, Seed: args.Seed, Output: args.Out, Progress: os.Stderr}
	report, err := train.New(cfg, model, nn.NewAdam(), trainSet, valSet, testSet).Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Training failed")
	}
	log.Info().Str("path", report.Output).Float64("test_accuracy", report.TestAccuracy).Msg("Training complete")
}
