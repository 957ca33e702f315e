package dataset

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSplit creates dir/<class>/<nnn>.png files, each a solid colour whose red
// channel encodes the file number.
func writeSplit(t *testing.T, dir string, counts map[string]int) {
	t.Helper()
	n := 0
	for class, count := range counts {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, class), 0o755))
		for i := 0; i < count; i++ {
			img := image.NewRGBA(image.Rect(0, 0, 20, 12))
			c := color.RGBA{R: uint8(n), G: 10, B: 20, A: 255}
			for y := 0; y < 12; y++ {
				for x := 0; x < 20; x++ {
					img.Set(x, y, c)
				}
			}
			f, err := os.Create(filepath.Join(dir, class, fmt.Sprintf("%03d.png", i)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
			n++
		}
	}
}

func testOptions(shuffle bool) Options {
	return Options{BatchSize: 4, ImageSize: 8, Shuffle: shuffle, Seed: 1, Workers: 2}
}

func collect(t *testing.T, l *Loader) (paths []string, labels []float32, sizes []int) {
	t.Helper()
	it := l.Batches(context.Background())
	defer it.Close()
	for it.Next() {
		b := it.Batch()
		sizes = append(sizes, b.Len())
		for i, img := range b.Images {
			require.Equal(t, image.Rect(0, 0, 8, 8), img.Bounds())
			paths = append(paths, b.Paths[i])
			labels = append(labels, b.Labels[i])
		}
	}
	require.NoError(t, it.Err())
	return paths, labels, sizes
}

func TestOpenMissingDirectory(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"), testOptions(false))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDatasetNotFound))
}

func TestOpenEmptyDirectory(t *testing.T) {
	_, err := Open(t.TempDir(), testOptions(false))
	assert.True(t, errors.Is(err, ErrDatasetNotFound))
}

func TestOpenNoImages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "NORMAL"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "PNEUMONIA"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "NORMAL", "notes.txt"), []byte("x"), 0o644))
	_, err := Open(dir, testOptions(false))
	assert.True(t, errors.Is(err, ErrDatasetNotFound))
}

func TestOpenWrongClassCount(t *testing.T) {
	dir := t.TempDir()
	writeSplit(t, dir, map[string]int{"A": 1, "B": 1, "C": 1})
	_, err := Open(dir, testOptions(false))
	assert.True(t, errors.Is(err, ErrClassCount))
}

func TestUnshuffledOrderMatchesDisk(t *testing.T) {
	dir := t.TempDir()
	writeSplit(t, dir, map[string]int{"PNEUMONIA": 6, "NORMAL": 5})
	l, err := Open(dir, testOptions(false))
	require.NoError(t, err)
	assert.Equal(t, []string{"NORMAL", "PNEUMONIA"}, l.Classes)
	assert.Equal(t, 11, l.Len())
	assert.Equal(t, 3, l.NumBatches())

	paths, labels, sizes := collect(t, l)
	assert.Equal(t, []int{4, 4, 3}, sizes)
	var want []string
	for _, item := range l.Items() {
		want = append(want, item.Path)
	}
	assert.Equal(t, want, paths)
	assert.True(t, sort.StringsAreSorted(paths))
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 1, 1, 1, 1, 1, 1}, labels)

	// a second pass yields the same order
	again, _, _ := collect(t, l)
	assert.Equal(t, paths, again)
}

func TestShuffledPassesPermute(t *testing.T) {
	dir := t.TempDir()
	writeSplit(t, dir, map[string]int{"NORMAL": 10, "PNEUMONIA": 10})
	l, err := Open(dir, testOptions(true))
	require.NoError(t, err)

	first, _, _ := collect(t, l)
	second, _, _ := collect(t, l)
	require.Len(t, first, 20)
	assert.NotEqual(t, first, second)

	sortedFirst := append([]string(nil), first...)
	sort.Strings(sortedFirst)
	sortedSecond := append([]string(nil), second...)
	sort.Strings(sortedSecond)
	assert.Equal(t, sortedFirst, sortedSecond)
}

func TestOpenSplitsDisablesShuffleForTest(t *testing.T) {
	root := t.TempDir()
	for _, s := range []Split{Train, Validation, Test} {
		writeSplit(t, filepath.Join(root, string(s)), map[string]int{"NORMAL": 3, "PNEUMONIA": 3})
	}
	train, val, test, err := OpenSplits(root, testOptions(true))
	require.NoError(t, err)
	assert.True(t, train.opts.Shuffle)
	assert.True(t, val.opts.Shuffle)
	assert.False(t, test.opts.Shuffle)
}

func TestCorruptFileStopsPass(t *testing.T) {
	dir := t.TempDir()
	writeSplit(t, dir, map[string]int{"NORMAL": 2, "PNEUMONIA": 2})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "NORMAL", "000.png"), []byte("garbage"), 0o644))
	l, err := Open(dir, testOptions(false))
	require.NoError(t, err)

	it := l.Batches(context.Background())
	defer it.Close()
	for it.Next() {
	}
	assert.Error(t, it.Err())
}

func TestCacheServesDecodedImages(t *testing.T) {
	dir := t.TempDir()
	writeSplit(t, dir, map[string]int{"NORMAL": 2, "PNEUMONIA": 2})
	opts := testOptions(false)
	opts.CacheSize = 16
	l, err := Open(dir, opts)
	require.NoError(t, err)

	first, _, _ := collect(t, l)
	for _, p := range first {
		require.NoError(t, os.Remove(p))
	}
	second, _, _ := collect(t, l)
	assert.Equal(t, first, second)
}

func TestCancelledContext(t *testing.T) {
	dir := t.TempDir()
	writeSplit(t, dir, map[string]int{"NORMAL": 4, "PNEUMONIA": 4})
	l, err := Open(dir, testOptions(false))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	it := l.Batches(ctx)
	defer it.Close()
	for it.Next() {
	}
	assert.ErrorIs(t, it.Err(), context.Canceled)
}
