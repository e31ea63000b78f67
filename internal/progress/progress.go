// Package progress reports whole-percent transfer progress.
package progress

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
)

// Tracker turns byte counts into integer percentages and reports each
// percentage at most once, in increasing order.
type Tracker struct {
	total  int64
	last   int
	report func(percent int)
}

func NewTracker(total int64, report func(percent int)) *Tracker {
	return &Tracker{total: total, last: -1, report: report}
}

// Percent is done/total as a whole percentage in [0, 100]. An empty file is
// complete from the start.
func Percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	if done >= total {
		return 100
	}
	if done <= 0 {
		return 0
	}
	return int(done * 100 / total)
}

func (t *Tracker) Update(done int64) {
	p := Percent(done, t.total)
	if p <= t.last {
		return
	}
	t.last = p
	if t.report != nil {
		t.report(p)
	}
}

// Finish reports 100% unless it has already been reported.
func (t *Tracker) Finish() {
	if t.last >= 100 {
		return
	}
	t.last = 100
	if t.report != nil {
		t.report(100)
	}
}

// Last returns the most recently reported percentage, or -1.
func (t *Tracker) Last() int {
	return t.last
}

// Bar returns a report func drawing a percentage bar on w. Rendering stops
// after the first write error.
func Bar(w io.Writer, description string) func(percent int) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)
	var broken bool
	return func(percent int) {
		// drawing is cosmetic: once w rejects a write, stop trying and let the transfer run on
		if broken {
			return
		}
		if err := bar.Set(percent); err != nil {
			broken = true
		}
	}
}
