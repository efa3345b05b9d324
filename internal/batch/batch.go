// Package batch runs one operation over many nodes with bounded concurrency.
//
// Work is dispatched in waves of at most the concurrency bound, in the
// order the IDs were given; a wave finishes completely before the next one
// starts. A failing node never stops its siblings or later waves.
package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Op is the per-node operation. The returned detail is a short human
// string (a PID, a port) shown next to the node in reports.
type Op func(ctx context.Context, id int) (detail string, err error)

// Result is the outcome of Op for one node.
type Result struct {
	Err    error  `json:"-"`
	Detail string `json:"detail,omitempty"`
	NodeID int    `json:"node_id"`
}

// OK reports whether the node succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Report aggregates the results of one Run, in the order of the input IDs.
type Report struct {
	ID       string        // Correlation ID logged with every node line
	Results  []Result      // One per input ID, same order
	Duration time.Duration // Wall time of the whole run
}

// Failed returns the results that carry an error.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// Succeeded returns the results without an error.
func (r Report) Succeeded() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// Err summarizes the failures as one error, or nil if every node succeeded.
func (r Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	parts := make([]string, 0, len(failed))
	for _, res := range failed {
		parts = append(parts, fmt.Sprintf("node %d: %v", res.NodeID, res.Err))
	}
	return fmt.Errorf("%d of %d nodes failed: %s", len(failed), len(r.Results), strings.Join(parts, "; "))
}

// Runner executes batches. The zero value is not usable; use New.
type Runner struct {
	log *zap.Logger
}

// New creates a Runner logging to log (nil discards).
func New(log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{log: log}
}

// Run applies op to every ID, at most concurrency at a time, and returns
// once every dispatched call has returned.
//
// Parameters:
//   - ctx: Passed to every op call; cancellation is left to op to honor,
//     Run itself still visits every ID
//   - name: Operation name for logs ("start", "stop", ...)
//   - ids: Node IDs in dispatch order; duplicates are run twice
//   - concurrency: Wave size, values below 1 are treated as 1
//   - op: The per-node operation
//
// Returns:
//   - Report: One Result per ID, in input order
//
// Example:
//
//	rep := runner.Run(ctx, "start", []int{0, 1, 2}, cfg.BatchSize, mgr.startNode)
//	for _, res := range rep.Failed() {
//	    log.Printf("node %d: %v", res.NodeID, res.Err)
//	}
func (r *Runner) Run(ctx context.Context, name string, ids []int, concurrency int, op Op) Report {
	if concurrency < 1 {
		concurrency = 1
	}
	rep := Report{
		ID:      uuid.NewString(),
		Results: make([]Result, len(ids)),
	}
	log := r.log.With(zap.String("batch_id", rep.ID), zap.String("op", name))
	log.Debug("batch started", zap.Int("nodes", len(ids)), zap.Int("concurrency", concurrency))
	began := time.Now()

	for wave := 0; wave < len(ids); wave += concurrency {
		end := min(wave+concurrency, len(ids))

		var g errgroup.Group
		for i := wave; i < end; i++ {
			g.Go(func() error {
				rep.Results[i] = r.call(ctx, log, ids[i], op)
				return nil
			})
		}
		_ = g.Wait()
	}

	rep.Duration = time.Since(began)
	log.Info("batch finished",
		zap.Int("nodes", len(ids)),
		zap.Int("failed", len(rep.Failed())),
		zap.Duration("took", rep.Duration))
	return rep
}

// call runs op for one node, turning a panic into a failed result so a
// broken node cannot take the batch down.
func (r *Runner) call(ctx context.Context, log *zap.Logger, id int, op Op) (res Result) {
	res.NodeID = id
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("panic: %v", p)
			log.Error("node operation panicked", zap.Int("node_id", id), zap.Any("panic", p))
		}
	}()

	res.Detail, res.Err = op(ctx, id)
	if res.Err != nil {
		log.Warn("node operation failed", zap.Int("node_id", id), zap.Error(res.Err))
	} else {
		log.Debug("node operation done", zap.Int("node_id", id), zap.String("detail", res.Detail))
	}
	return res
}

// Run is a convenience for a one-off batch with a discarded logger.
func Run(ctx context.Context, ids []int, concurrency int, op Op) Report {
	return New(nil).Run(ctx, "batch", ids, concurrency, op)
}
