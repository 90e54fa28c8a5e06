package dataset

import (
	"fmt"
	"io/fs"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"
)

// SampleError reports a failure confined to a single sample, such as an
// unreadable or undecodable image. Callers are expected to log it, skip
// the sample and continue.
type SampleError struct {
	Path string
	Err  error
}

func (e *SampleError) Error() string {
	return fmt.Sprintf("sample %s: %v", e.Path, e.Err)
}

func (e *SampleError) Unwrap() error {
	return e.Err
}

// ImageDataset is a flat list of image paths collected from a directory
// tree. Subdirectories are scanned recursively; any class structure in
// the tree is ignored because patch training only needs host images.
type ImageDataset struct {
	imagePaths []string
}

// NewImageDataset scans root recursively for images with the given
// extensions. When extensions is empty, .jpg, .jpeg, .png and .bmp are
// used. Paths are sorted so dataset order is stable across runs.
func NewImageDataset(root string, extensions []string) (*ImageDataset, error) {
	if len(extensions) == 0 {
		extensions = []string{".jpg", ".jpeg", ".png", ".bmp"}
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	dataset := &ImageDataset{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if allowed[strings.ToLower(filepath.Ext(path))] {
			dataset.imagePaths = append(dataset.imagePaths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}

	sort.Strings(dataset.imagePaths)
	return dataset, nil
}

// FromPaths builds a dataset from an explicit list of image paths.
func FromPaths(paths []string) (*ImageDataset, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no image paths provided")
	}
	dataset := &ImageDataset{imagePaths: make([]string, len(paths))}
	copy(dataset.imagePaths, paths)
	return dataset, nil
}

// Len returns the number of items in the dataset.
func (d *ImageDataset) Len() int {
	return len(d.imagePaths)
}

// Path returns the image path at the given index.
func (d *ImageDataset) Path(index int) (string, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], nil
}

// Paths returns a copy of all image paths in dataset order.
func (d *ImageDataset) Paths() []string {
	paths := make([]string, len(d.imagePaths))
	copy(paths, d.imagePaths)
	return paths
}

// Split splits the dataset into train and validation sets. When shuffle
// is true the assignment is randomized with the given seed, so the same
// seed always produces the same split.
func (d *ImageDataset) Split(trainRatio float64, shuffle bool, seed int64) (*ImageDataset, *ImageDataset, error) {
	if trainRatio <= 0 || trainRatio >= 1 {
		return nil, nil, fmt.Errorf("train ratio must be in (0, 1), got %v", trainRatio)
	}

	n := len(d.imagePaths)
	trainSize := int(float64(n) * trainRatio)
	if trainSize == 0 || trainSize == n {
		return nil, nil, fmt.Errorf("split of %d images with ratio %v leaves one side empty", n, trainRatio)
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if shuffle {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	trainDataset := &ImageDataset{imagePaths: make([]string, trainSize)}
	for i := 0; i < trainSize; i++ {
		trainDataset.imagePaths[i] = d.imagePaths[indices[i]]
	}

	valDataset := &ImageDataset{imagePaths: make([]string, n-trainSize)}
	for i := trainSize; i < n; i++ {
		valDataset.imagePaths[i-trainSize] = d.imagePaths[indices[i]]
	}

	return trainDataset, valDataset, nil
}

// Subset creates a dataset containing only the given indices.
func (d *ImageDataset) Subset(indices []int) (*ImageDataset, error) {
	subset := &ImageDataset{imagePaths: make([]string, len(indices))}
	for i, idx := range indices {
		if idx < 0 || idx >= len(d.imagePaths) {
			return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.imagePaths))
		}
		subset.imagePaths[i] = d.imagePaths[idx]
	}
	return subset, nil
}

// String returns a short description of the dataset.
func (d *ImageDataset) String() string {
	return fmt.Sprintf("ImageDataset: %d images", len(d.imagePaths))
}
