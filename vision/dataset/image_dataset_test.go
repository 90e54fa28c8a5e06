package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// buildTree writes empty files into a temporary directory tree and
// returns the root.
func buildTree(t *testing.T, names []string) string {
	t.Helper()
	root := t.TempDir()
	for _, name := range names {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	return root
}

func TestNewImageDataset(t *testing.T) {
	root := buildTree(t, []string{
		"b.png",
		"sub/a.jpg",
		"sub/deep/c.BMP",
		"notes.txt",
		"sub/readme.md",
	})

	ds, err := NewImageDataset(root, nil)
	if err != nil {
		t.Fatalf("NewImageDataset failed: %v", err)
	}

	if ds.Len() != 3 {
		t.Fatalf("Len = %d, expected 3", ds.Len())
	}

	// Paths come back sorted, so the order is stable across runs.
	expected := []string{
		filepath.Join(root, "b.png"),
		filepath.Join(root, "sub", "a.jpg"),
		filepath.Join(root, "sub", "deep", "c.BMP"),
	}
	if !reflect.DeepEqual(ds.Paths(), expected) {
		t.Errorf("Paths = %v, expected %v", ds.Paths(), expected)
	}
}

func TestNewImageDatasetCustomExtensions(t *testing.T) {
	root := buildTree(t, []string{"a.png", "b.jpg"})

	ds, err := NewImageDataset(root, []string{".png"})
	if err != nil {
		t.Fatalf("NewImageDataset failed: %v", err)
	}
	if ds.Len() != 1 {
		t.Errorf("Len = %d, expected 1", ds.Len())
	}
}

func TestNewImageDatasetEmpty(t *testing.T) {
	root := buildTree(t, []string{"only.txt"})
	if _, err := NewImageDataset(root, nil); err == nil {
		t.Error("NewImageDataset should fail when no images are found")
	}

	if _, err := NewImageDataset(filepath.Join(root, "missing"), nil); err == nil {
		t.Error("NewImageDataset should fail for a missing root")
	}
}

func TestPath(t *testing.T) {
	ds, _ := FromPaths([]string{"a.png", "b.png"})

	path, err := ds.Path(1)
	if err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	if path != "b.png" {
		t.Errorf("Path(1) = %s, expected b.png", path)
	}

	if _, err := ds.Path(2); err == nil {
		t.Error("Path should fail for an out-of-range index")
	}
	if _, err := ds.Path(-1); err == nil {
		t.Error("Path should fail for a negative index")
	}
}

func TestSplit(t *testing.T) {
	paths := make([]string, 10)
	for i := range paths {
		paths[i] = fmt.Sprintf("img_%02d.png", i)
	}
	ds, _ := FromPaths(paths)

	train, val, err := ds.Split(0.8, false, 0)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if train.Len() != 8 || val.Len() != 2 {
		t.Fatalf("split sizes = %d/%d, expected 8/2", train.Len(), val.Len())
	}

	// Without shuffling the split preserves dataset order.
	if p, _ := train.Path(0); p != "img_00.png" {
		t.Errorf("first train path = %s, expected img_00.png", p)
	}
	if p, _ := val.Path(0); p != "img_08.png" {
		t.Errorf("first val path = %s, expected img_08.png", p)
	}
}

func TestSplitShuffleDeterministic(t *testing.T) {
	paths := make([]string, 20)
	for i := range paths {
		paths[i] = fmt.Sprintf("img_%02d.png", i)
	}
	ds, _ := FromPaths(paths)

	train1, val1, err := ds.Split(0.5, true, 7)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	train2, val2, err := ds.Split(0.5, true, 7)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	if !reflect.DeepEqual(train1.Paths(), train2.Paths()) {
		t.Error("same seed should produce the same train split")
	}
	if !reflect.DeepEqual(val1.Paths(), val2.Paths()) {
		t.Error("same seed should produce the same val split")
	}

	train3, _, err := ds.Split(0.5, true, 8)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if reflect.DeepEqual(train1.Paths(), train3.Paths()) {
		t.Error("different seeds should produce different splits")
	}

	// Together the two sides cover every path exactly once.
	seen := make(map[string]bool)
	for _, p := range append(train1.Paths(), val1.Paths()...) {
		if seen[p] {
			t.Errorf("path %s appears in both splits", p)
		}
		seen[p] = true
	}
	if len(seen) != 20 {
		t.Errorf("splits cover %d paths, expected 20", len(seen))
	}
}

func TestSplitValidation(t *testing.T) {
	ds, _ := FromPaths([]string{"a.png", "b.png"})

	if _, _, err := ds.Split(0, false, 0); err == nil {
		t.Error("Split should reject ratio 0")
	}
	if _, _, err := ds.Split(1, false, 0); err == nil {
		t.Error("Split should reject ratio 1")
	}
	if _, _, err := ds.Split(0.1, false, 0); err == nil {
		t.Error("Split should reject a ratio that leaves the train side empty")
	}
}

func TestSubset(t *testing.T) {
	ds, _ := FromPaths([]string{"a.png", "b.png", "c.png"})

	sub, err := ds.Subset([]int{2, 0})
	if err != nil {
		t.Fatalf("Subset failed: %v", err)
	}
	if !reflect.DeepEqual(sub.Paths(), []string{"c.png", "a.png"}) {
		t.Errorf("Subset paths = %v", sub.Paths())
	}

	if _, err := ds.Subset([]int{3}); err == nil {
		t.Error("Subset should reject out-of-range indices")
	}
}

func TestSampleError(t *testing.T) {
	inner := errors.New("decode failed")
	err := &SampleError{Path: "img.png", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("SampleError should unwrap to the inner error")
	}
	if err.Error() != "sample img.png: decode failed" {
		t.Errorf("Error() = %q", err.Error())
	}
}
