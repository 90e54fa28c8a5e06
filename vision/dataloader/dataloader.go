package dataloader

import (
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tetralith/advpatch/tensor"
	"github.com/tetralith/advpatch/vision/dataset"
	"github.com/tetralith/advpatch/vision/preprocessing"
)

// Batch is one group of decoded host images in CHW [0, 1] layout.
type Batch struct {
	Images []*tensor.Tensor
	Paths  []string
}

// Config holds configuration for a Loader.
type Config struct {
	BatchSize int
	Height    int
	Width     int
	Shuffle   bool
	Seed      int64
	Workers   int    // parallel image decodes per batch
	CacheSize int    // decoded images kept in memory, 0 disables caching
	Cache     *Cache // optional shared cache; overrides CacheSize
}

// DefaultConfig returns a loader configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize: 8,
		Height:    224,
		Width:     224,
		Shuffle:   true,
		Seed:      42,
		Workers:   4,
		CacheSize: 256,
	}
}

// Loader yields batches of decoded host images from an ImageDataset.
// Images that fail to decode are reported through the sample error
// handler and skipped rather than failing the batch.
type Loader struct {
	dataset *dataset.ImageDataset
	config  Config
	cache   *Cache

	mu       sync.Mutex
	rng      *rand.Rand
	indices  []int
	position int

	onSampleError func(*dataset.SampleError)
}

// New creates a Loader over the given dataset.
func New(ds *dataset.ImageDataset, config Config) (*Loader, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Height <= 0 || config.Width <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", config.Width, config.Height)
	}
	if config.Workers < 0 {
		return nil, fmt.Errorf("workers cannot be negative: %d", config.Workers)
	}
	if config.Workers == 0 {
		config.Workers = 1
	}

	cache := config.Cache
	if cache == nil && config.CacheSize > 0 {
		cache = NewCache(config.CacheSize)
	}

	indices := make([]int, ds.Len())
	for i := range indices {
		indices[i] = i
	}

	loader := &Loader{
		dataset: ds,
		config:  config,
		cache:   cache,
		rng:     rand.New(rand.NewSource(config.Seed)),
		indices: indices,
	}
	if config.Shuffle {
		loader.shuffleLocked()
	}

	return loader, nil
}

// SetSampleErrorHandler installs a callback invoked once per skipped
// sample. The callback runs on the goroutine that calls NextBatch.
func (l *Loader) SetSampleErrorHandler(fn func(*dataset.SampleError)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSampleError = fn
}

// ImageSize returns the height and width every batch image is resized to.
func (l *Loader) ImageSize() (height, width int) {
	return l.config.Height, l.config.Width
}

// Len returns the number of images in the underlying dataset.
func (l *Loader) Len() int {
	return l.dataset.Len()
}

// NumBatches returns the number of batches per epoch.
func (l *Loader) NumBatches() int {
	return (l.dataset.Len() + l.config.BatchSize - 1) / l.config.BatchSize
}

// CacheStats returns decoded-image cache statistics, or zero stats when
// caching is disabled.
func (l *Loader) CacheStats() CacheStats {
	if l.cache == nil {
		return CacheStats{}
	}
	return l.cache.Stats()
}

// Reset rewinds the loader to the start of the dataset and reshuffles
// it when shuffling is enabled. Call it once per epoch.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.position = 0
	if l.config.Shuffle {
		l.shuffleLocked()
	}
}

func (l *Loader) shuffleLocked() {
	l.rng.Shuffle(len(l.indices), func(i, j int) {
		l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
	})
}

// NextBatch returns the next batch of decoded images, or (nil, nil)
// when the epoch is exhausted. Undecodable samples are skipped; a batch
// is only dropped entirely when every sample in it failed.
func (l *Loader) NextBatch() (*Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		remaining := len(l.indices) - l.position
		if remaining <= 0 {
			return nil, nil
		}

		count := l.config.BatchSize
		if remaining < count {
			count = remaining
		}
		slice := l.indices[l.position : l.position+count]
		l.position += count

		images := make([]*tensor.Tensor, count)
		paths := make([]string, count)
		failures := make([]*dataset.SampleError, count)

		g := new(errgroup.Group)
		g.SetLimit(l.config.Workers)
		for i, idx := range slice {
			i, idx := i, idx
			g.Go(func() error {
				path, err := l.dataset.Path(idx)
				if err != nil {
					return err
				}
				img, err := l.loadImage(path)
				if err != nil {
					failures[i] = &dataset.SampleError{Path: path, Err: err}
					return nil
				}
				images[i] = img
				paths[i] = path
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("batch load failed: %w", err)
		}

		for _, failure := range failures {
			if failure != nil && l.onSampleError != nil {
				l.onSampleError(failure)
			}
		}

		batch := &Batch{}
		for i := range images {
			if images[i] == nil {
				continue
			}
			batch.Images = append(batch.Images, images[i])
			batch.Paths = append(batch.Paths, paths[i])
		}
		if len(batch.Images) > 0 {
			return batch, nil
		}
	}
}

// loadImage decodes one host image, consulting the cache first.
func (l *Loader) loadImage(path string) (*tensor.Tensor, error) {
	if l.cache != nil {
		if t, ok := l.cache.Get(path); ok {
			return t, nil
		}
	}

	t, err := preprocessing.LoadTensor(path, l.config.Height, l.config.Width)
	if err != nil {
		return nil, err
	}

	if l.cache != nil {
		l.cache.Put(path, t)
	}
	return t, nil
}
