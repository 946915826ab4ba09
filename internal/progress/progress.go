// Package progress renders byte progress bars for long CLI operations.
package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// Constants for progress bar configuration
const (
	progressBarWidth       = 40
	progressBarThrottle    = 65 * 1000000
	progressBarSpinnerType = 14
)

// NewBar creates a standardized byte progress bar on out. A size <= 0
// renders a spinner.
func NewBar(out io.Writer, description string, size int64) *progressbar.ProgressBar {
	if size <= 0 {
		size = -1
	}
	return progressbar.NewOptions64(
		size,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(progressBarWidth),
		progressbar.OptionThrottle(progressBarThrottle),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(out, "\n")
		}),
		progressbar.OptionSpinnerType(progressBarSpinnerType),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Stages hands out one bar per pipeline stage, created on first use. Its
// Writer method fits the Progress hooks of the seal and verify pipelines.
type Stages struct {
	out  io.Writer
	size int64

	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func NewStages(out io.Writer, size int64) *Stages {
	return &Stages{out: out, size: size, bars: map[string]*progressbar.ProgressBar{}}
}

func (s *Stages) Writer(stage string) io.Writer {
	return s.Bar(stage)
}

func (s *Stages) Bar(stage string) *progressbar.ProgressBar {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bars[stage]
	if !ok {
		b = NewBar(s.out, stage, s.size)
		s.bars[stage] = b
	}
	return b
}

// Finish completes every bar handed out so far.
func (s *Stages) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bars {
		_ = b.Finish()
	}
}
