// Package dataset indexes labeled leaf images and assigns them to
// stratified cross-validation folds.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Sample is one labeled image. Label is an index into the table's class
// list.
type Sample struct {
	ID    string
	Path  string
	Label int
}

// Table is an immutable in-memory index of the full dataset.
type Table struct {
	samples []Sample
	classes []string
}

// InsufficientSamplesError reports a class with fewer samples than the
// requested fold count, which makes stratification impossible.
type InsufficientSamplesError struct {
	Class     string
	Count     int
	FoldCount int
}

func (e *InsufficientSamplesError) Error() string {
	return fmt.Sprintf("class %q has %d samples, fewer than the %d folds requested",
		e.Class, e.Count, e.FoldCount)
}

// LoadCSV reads a sample table with identifier and label columns. Labels
// are treated as categorical strings. If classes is nil the class list is
// discovered from the data and sorted; otherwise labels outside the given
// list are an error.
func LoadCSV(csvPath, imagesDir string, classes []string) (*Table, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, fmt.Errorf("opening sample table: %w", err)
	}
	defer f.Close()
	return readCSV(f, imagesDir, classes)
}

func readCSV(r io.Reader, imagesDir string, classes []string) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading sample table header: %w", err)
	}
	idCol, labelCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "image_id", "identifier", "id":
			idCol = i
		case "label", "class":
			labelCol = i
		}
	}
	if idCol < 0 || labelCol < 0 {
		return nil, fmt.Errorf("sample table must have identifier and label columns, got %v", header)
	}

	type rawSample struct {
		id    string
		label string
	}
	var raw []rawSample
	seen := make(map[string]bool)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading sample table line %d: %w", line, err)
		}
		if idCol >= len(record) || labelCol >= len(record) {
			return nil, fmt.Errorf("sample table line %d has %d fields", line, len(record))
		}
		id := strings.TrimSpace(record[idCol])
		label := strings.TrimSpace(record[labelCol])
		if id == "" {
			return nil, fmt.Errorf("sample table line %d has an empty identifier", line)
		}
		raw = append(raw, rawSample{id: id, label: label})
		seen[label] = true
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("sample table contains no samples")
	}

	if classes == nil {
		for label := range seen {
			classes = append(classes, label)
		}
		sort.Strings(classes)
	}
	classToIdx := make(map[string]int, len(classes))
	for i, c := range classes {
		classToIdx[c] = i
	}

	samples := make([]Sample, 0, len(raw))
	for _, rs := range raw {
		idx, ok := classToIdx[rs.label]
		if !ok {
			return nil, fmt.Errorf("sample %q has unknown label %q", rs.id, rs.label)
		}
		samples = append(samples, Sample{
			ID:    rs.id,
			Path:  filepath.Join(imagesDir, rs.id),
			Label: idx,
		})
	}
	return &Table{samples: samples, classes: classes}, nil
}

// LoadDirectory builds a table from a directory layout with one
// subdirectory per class, each holding that class's images.
func LoadDirectory(root string) (*Table, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading dataset directory: %w", err)
	}

	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("dataset directory %s has no class subdirectories", root)
	}
	sort.Strings(classes)

	var samples []Sample
	for idx, class := range classes {
		classDir := filepath.Join(root, class)
		files, err := os.ReadDir(classDir)
		if err != nil {
			return nil, fmt.Errorf("reading class directory %s: %w", classDir, err)
		}
		for _, f := range files {
			if f.IsDir() || !isImageFile(f.Name()) {
				continue
			}
			samples = append(samples, Sample{
				ID:    filepath.Join(class, f.Name()),
				Path:  filepath.Join(classDir, f.Name()),
				Label: idx,
			})
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("dataset directory %s contains no images", root)
	}
	return &Table{samples: samples, classes: classes}, nil
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	default:
		return false
	}
}

func (t *Table) Len() int {
	return len(t.samples)
}

func (t *Table) Samples() []Sample {
	return t.samples
}

func (t *Table) Classes() []string {
	return append([]string(nil), t.classes...)
}

func (t *Table) NumClasses() int {
	return len(t.classes)
}

// ClassCounts returns how many samples each class has, indexed by label.
func (t *Table) ClassCounts() []int {
	counts := make([]int, len(t.classes))
	for _, s := range t.samples {
		counts[s.Label]++
	}
	return counts
}

func (t *Table) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Table(%d samples, %d classes)\n", len(t.samples), len(t.classes))
	counts := t.ClassCounts()
	for i, class := range t.classes {
		fmt.Fprintf(&sb, "  %s: %d\n", class, counts[i])
	}
	return sb.String()
}

// Fold is one train/validation split.
type Fold struct {
	Index int
	Train []Sample
	Val   []Sample
}

// StratifiedFolds partitions the table into k disjoint folds so each
// fold's per-class count differs from count/k by at most one. With
// shuffle true, samples are permuted per class with the seed before
// round-robin distribution, making assignments reproducible for a fixed
// seed. Fold i's validation set is group i; its training set is every
// other group.
func (t *Table) StratifiedFolds(k int, seed int64, shuffle bool) ([]Fold, error) {
	if k < 2 {
		return nil, fmt.Errorf("fold count must be at least 2, got %d", k)
	}

	byClass := make([][]int, len(t.classes))
	for i, s := range t.samples {
		byClass[s.Label] = append(byClass[s.Label], i)
	}
	for label, indices := range byClass {
		if len(indices) < k {
			return nil, &InsufficientSamplesError{
				Class:     t.classes[label],
				Count:     len(indices),
				FoldCount: k,
			}
		}
	}

	rng := rand.New(rand.NewSource(seed))
	assignment := make([]int, len(t.samples))
	for _, indices := range byClass {
		if shuffle {
			rng.Shuffle(len(indices), func(i, j int) {
				indices[i], indices[j] = indices[j], indices[i]
			})
		}
		for pos, sampleIdx := range indices {
			assignment[sampleIdx] = pos % k
		}
	}

	folds := make([]Fold, k)
	for i := range folds {
		folds[i].Index = i
	}
	for sampleIdx, foldIdx := range assignment {
		s := t.samples[sampleIdx]
		for i := range folds {
			if i == foldIdx {
				folds[i].Val = append(folds[i].Val, s)
			} else {
				folds[i].Train = append(folds[i].Train, s)
			}
		}
	}
	return folds, nil
}

// CountsFor tallies per-class labels over an arbitrary split.
func CountsFor(samples []Sample, numClasses int) []int {
	counts := make([]int, numClasses)
	for _, s := range samples {
		counts[s.Label]++
	}
	return counts
}
