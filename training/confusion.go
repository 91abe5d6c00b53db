package training

import (
	"fmt"
	"strings"
)

// ConfusionMatrix tallies predictions against ground truth. Rows are
// actual classes, columns predicted classes.
type ConfusionMatrix struct {
	classes []string
	counts  [][]int
}

func NewConfusionMatrix(classes []string) *ConfusionMatrix {
	counts := make([][]int, len(classes))
	for i := range counts {
		counts[i] = make([]int, len(classes))
	}
	return &ConfusionMatrix{
		classes: append([]string(nil), classes...),
		counts:  counts,
	}
}

func (cm *ConfusionMatrix) Add(actual, predicted int) {
	if actual < 0 || actual >= len(cm.classes) || predicted < 0 || predicted >= len(cm.classes) {
		return
	}
	cm.counts[actual][predicted]++
}

func (cm *ConfusionMatrix) Total() int {
	total := 0
	for _, row := range cm.counts {
		for _, c := range row {
			total += c
		}
	}
	return total
}

// Accuracy is the exact-match rate over everything tallied so far.
func (cm *ConfusionMatrix) Accuracy() float64 {
	total := cm.Total()
	if total == 0 {
		return 0
	}
	correct := 0
	for i := range cm.counts {
		correct += cm.counts[i][i]
	}
	return float64(correct) / float64(total)
}

// Recall returns per-class recall; classes with no samples get zero.
func (cm *ConfusionMatrix) Recall() []float64 {
	recall := make([]float64, len(cm.classes))
	for i, row := range cm.counts {
		total := 0
		for _, c := range row {
			total += c
		}
		if total > 0 {
			recall[i] = float64(row[i]) / float64(total)
		}
	}
	return recall
}

func (cm *ConfusionMatrix) String() string {
	var sb strings.Builder
	width := 12
	for _, c := range cm.classes {
		if len(c)+2 > width {
			width = len(c) + 2
		}
	}
	fmt.Fprintf(&sb, "%*s", width, "actual\\pred")
	for _, c := range cm.classes {
		fmt.Fprintf(&sb, "%*s", width, c)
	}
	sb.WriteByte('\n')
	for i, row := range cm.counts {
		fmt.Fprintf(&sb, "%*s", width, cm.classes[i])
		for _, c := range row {
			fmt.Fprintf(&sb, "%*d", width, c)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
