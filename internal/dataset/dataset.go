// Package dataset reads labelled image directories in fixed-size batches.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/cxr-api/internal/preprocess"
)

var (
	ErrDatasetNotFound = errors.New("dataset not found")
	ErrClassCount      = errors.New("dataset must contain exactly two class directories")
)

// Split names one of the dataset partitions.
type Split string

const (
	Train      Split = "train"
	Validation Split = "val"
	Test       Split = "test"
)

var extensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
}

// Options controls batching and decoding.
type Options struct {
	BatchSize int
	ImageSize int
	Shuffle   bool
	Seed      int64
	// CacheSize is the number of decoded images kept in memory. Zero disables the cache.
	CacheSize int
	Workers   int
}

func DefaultOptions() Options {
	return Options{
		BatchSize: 32,
		ImageSize: preprocess.ImageSize,
		Shuffle:   true,
		Workers:   runtime.NumCPU(),
	}
}

// Item is one labelled file.
type Item struct {
	Path  string
	Label float32
}

// Loader enumerates a split directory once and serves any number of passes over it.
type Loader struct {
	Dir     string
	Classes []string
	items   []Item
	opts    Options
	rng     *rand.Rand
	cache   *lru.Cache
}

// Open indexes dir, whose immediate subdirectories are the class names in
// label order (sorted). Files are listed class by class in lexical order.
func Open(dir string, opts Options) (*Loader, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.ImageSize <= 0 {
		opts.ImageSize = preprocess.ImageSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDatasetNotFound, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrDatasetNotFound, dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDatasetNotFound, dir, err)
	}

	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: %s has no class directories", ErrDatasetNotFound, dir)
	}
	if len(classes) != 2 {
		return nil, fmt.Errorf("%w: %s has %d (%v)", ErrClassCount, dir, len(classes), classes)
	}

	var items []Item
	for label, class := range classes {
		root := filepath.Join(dir, class)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && extensions[strings.ToLower(filepath.Ext(path))] {
				items = append(items, Item{Path: path, Label: float32(label)})
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to index %s: %w", root, err)
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no images under %s", ErrDatasetNotFound, dir)
	}

	l := &Loader{
		Dir:     dir,
		Classes: classes,
		items:   items,
		opts:    opts,
		rng:     rand.New(rand.NewSource(opts.Seed)),
	}
	if opts.CacheSize > 0 {
		l.cache, err = lru.New(opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create image cache: %w", err)
		}
	}
	log.Info().Str("dir", dir).Strs("classes", classes).Int("files", len(items)).
		Bool("shuffle", opts.Shuffle).Msg("Dataset indexed")
	return l, nil
}

// OpenSplits opens the train, val and test directories under root. Only the
// test split keeps its on-disk order.
func OpenSplits(root string, opts Options) (train, val, test *Loader, err error) {
	for i, split := range []Split{Train, Validation, Test} {
		o := opts
		o.Seed = opts.Seed + int64(i)
		o.Shuffle = split != Test
		l, err := Open(filepath.Join(root, string(split)), o)
		if err != nil {
			return nil, nil, nil, err
		}
		switch split {
		case Train:
			train = l
		case Validation:
			val = l
		case Test:
			test = l
		}
	}
	return train, val, test, nil
}

// Len returns the number of files in the split.
func (l *Loader) Len() int { return len(l.items) }

// Items returns the files in on-disk order.
func (l *Loader) Items() []Item {
	out := make([]Item, len(l.items))
	copy(out, l.items)
	return out
}

func (l *Loader) BatchSize() int { return l.opts.BatchSize }

func (l *Loader) NumBatches() int {
	return (len(l.items) + l.opts.BatchSize - 1) / l.opts.BatchSize
}

func (l *Loader) order() []int {
	if l.opts.Shuffle {
		return l.rng.Perm(len(l.items))
	}
	idx := make([]int, len(l.items))
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func (l *Loader) load(ctx context.Context, index []int) (Batch, error) {
	b := Batch{
		Images: make([]*image.NRGBA, len(index)),
		Labels: make([]float32, len(index)),
		Paths:  make([]string, len(index)),
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Workers)
	for i, ix := range index {
		i := i
		item := l.items[ix]
		b.Labels[i] = item.Label
		b.Paths[i] = item.Path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := l.image(item.Path)
			if err != nil {
				return err
			}
			b.Images[i] = img
			return nil
		})
	}
	return b, g.Wait()
}

func (l *Loader) image(path string) (*image.NRGBA, error) {
	if l.cache != nil {
		if v, ok := l.cache.Get(path); ok {
			return v.(*image.NRGBA), nil
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	img, _, err := preprocess.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	raw := preprocess.Resize(img, l.opts.ImageSize)
	if l.cache != nil {
		l.cache.Add(path, raw)
	}
	return raw, nil
}
