package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

// ProgressBar renders an in-place training progress line. Output is
// suppressed when the writer is not a terminal so logs stay clean under
// redirection or CI.
type ProgressBar struct {
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	out         io.Writer
	enabled     bool
	metrics     map[string]float64
}

func NewProgressBar(description string, total int, out *os.File) *ProgressBar {
	if out == nil {
		out = os.Stderr
	}
	enabled := isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		out:         out,
		enabled:     enabled,
		metrics:     make(map[string]float64),
	}
}

// Update advances the bar and refreshes the displayed metrics.
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the bar and moves to a new line.
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	if pb.enabled {
		fmt.Fprintln(pb.out)
	}
}

func (pb *ProgressBar) render() {
	if !pb.enabled || pb.total <= 0 {
		return
	}
	percentage := float64(pb.current) / float64(pb.total)
	if percentage > 1 {
		percentage = 1
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	if pb.current > 0 {
		perStep := elapsed / time.Duration(pb.current)
		eta = perStep * time.Duration(pb.total-pb.current)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "\r%s [%s] %3.0f%% %d/%d", pb.description, bar, percentage*100, pb.current, pb.total)
	if pb.current > 0 && pb.current < pb.total {
		fmt.Fprintf(&sb, " eta %s", eta.Round(time.Second))
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%.4f", k, pb.metrics[k])
	}
	fmt.Fprint(pb.out, sb.String())
}
