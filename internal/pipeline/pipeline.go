// Package pipeline runs byte-stream stages concurrently, joined by io.Pipes.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Stage transforms data from r → w. For the first stage, r may be nil.
// For the last stage, w may be nil when no sink is given.
type Stage func(ctx context.Context, r io.Reader, w io.Writer) error

// PipeGraph wires stages together with io.Pipes.
// Cancels all stages on first error and closes all pipes with that error.
func PipeGraph(ctx context.Context, stages ...Stage) error {
	return pipeGraph(ctx, nil, stages...)
}

// PipeGraphWithSink wires stages together with io.Pipes and provides a final sink writer
// that receives output from the last stage.
// Cancels all stages on first error and closes all pipes with that error.
func PipeGraphWithSink(ctx context.Context, sink io.Writer, stages ...Stage) error {
	return pipeGraph(ctx, sink, stages...)
}

func pipeGraph(ctx context.Context, sink io.Writer, stages ...Stage) error {
	if len(stages) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type pipePair struct {
		r *io.PipeReader
		w *io.PipeWriter
	}

	pipes := make([]pipePair, len(stages)-1)
	for i := range pipes {
		r, w := io.Pipe()
		pipes[i] = pipePair{r, w}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1) // only need first error

	closeAllWithError := func(err error) {
		for _, p := range pipes {
			_ = p.r.CloseWithError(err)
			_ = p.w.CloseWithError(err)
		}
	}

	fail := func(err error) {
		select {
		case errCh <- err:
			closeAllWithError(err)
			cancel()
		default:
			// another stage already reported an error
		}
	}

	// a canceled parent context must unblock stages parked on a pipe
	stop := context.AfterFunc(ctx, func() { closeAllWithError(context.Cause(ctx)) })
	defer stop()

	for i, stage := range stages {
		wg.Add(1)
		go func(i int, s Stage) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					fail(fmt.Errorf("pipeline: stage %d panicked: %v", i, p))
				}
			}()

			var r io.Reader
			var w io.Writer

			if i > 0 {
				r = pipes[i-1].r
			}
			if i < len(pipes) {
				w = pipes[i].w
			} else if sink != nil {
				w = sink
			}

			if err := s(ctx, r, w); err != nil {
				fail(err)
				return
			}

			if i < len(pipes) {
				_ = pipes[i].w.Close()
			}
			// unblock an upstream writer if this stage stopped reading early
			if i > 0 {
				_ = pipes[i-1].r.Close()
			}
		}(i, stage)
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

// Source emits src unchanged.
func Source(src io.Reader) Stage {
	return func(ctx context.Context, _ io.Reader, w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	}
}

// Tee copies r to w and to every observer (hashes, progress bars).
func Tee(observers ...io.Writer) Stage {
	return func(ctx context.Context, r io.Reader, w io.Writer) error {
		dst := io.MultiWriter(append([]io.Writer{w}, observers...)...)
		_, err := io.Copy(dst, r)
		return err
	}
}
