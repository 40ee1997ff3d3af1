package gotransfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// BatchItem pairs a local and a remote path for ParallelUpload and
// ParallelDownload.
type BatchItem struct {
	Local  string
	Remote string

	// Progress, if set, receives this item's progress.
	Progress ProgressSink
}

// BatchReport holds one result per input, in input order.
type BatchReport struct {
	Results   []TransferResult
	Succeeded int
	Failed    int

	// Skipped counts items never started because the context was done.
	Skipped int
}

// Failures returns the results of items that were attempted and failed.
func (r *BatchReport) Failures() []TransferResult {
	var out []TransferResult
	for _, res := range r.Results {
		if res.Err != nil && res.Attempts > 0 {
			out = append(out, res)
		}
	}
	return out
}

// Err joins every item error, or returns nil if all items succeeded.
func (r *BatchReport) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", res.Direction, res.Source, res.Err))
		}
	}
	return errors.Join(errs...)
}

// ParallelUpload uploads every item, at most pool-capacity at a time.
// A failing item never affects the others; inspect the report for errors.
func (c *Client) ParallelUpload(ctx context.Context, items []BatchItem) *BatchReport {
	tasks := make([]TransferTask, len(items))
	for i, it := range items {
		tasks[i] = TransferTask{Direction: Upload, Source: it.Local, Destination: it.Remote, Progress: it.Progress}
	}
	return c.RunBatch(ctx, tasks)
}

// ParallelDownload downloads every item, at most pool-capacity at a time.
func (c *Client) ParallelDownload(ctx context.Context, items []BatchItem) *BatchReport {
	tasks := make([]TransferTask, len(items))
	for i, it := range items {
		tasks[i] = TransferTask{Direction: Download, Source: it.Remote, Destination: it.Local, Progress: it.Progress}
	}
	return c.RunBatch(ctx, tasks)
}

// RunBatch runs mixed transfers concurrently and returns once every task has
// finished or been skipped. Items without a Progress sink report nothing, so
// concurrent transfers do not fight over the console.
func (c *Client) RunBatch(ctx context.Context, tasks []TransferTask) *BatchReport {
	report := &BatchReport{Results: make([]TransferResult, len(tasks))}

	var g errgroup.Group
	g.SetLimit(c.pool.Capacity())

	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			report.Results[i] = skippedResult(task, err)
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				report.Results[i] = skippedResult(task, err)
				return nil
			}
			report.Results[i] = *c.runTask(ctx, task)
			return nil
		})
	}
	_ = g.Wait()

	for i, res := range report.Results {
		switch {
		case res.Err == nil:
			report.Succeeded++
		case res.Attempts == 0:
			report.Skipped++
		default:
			report.Failed++
			c.logger.Errorf("batch item %d: %s %s -> %s failed: %v", i, res.Direction, res.Source, res.Destination, res.Err)
		}
	}
	c.logger.Infof("batch finished: %d succeeded, %d failed, %d skipped", report.Succeeded, report.Failed, report.Skipped)
	return report
}

func (c *Client) runTask(ctx context.Context, task TransferTask) *TransferResult {
	o := transferOptions{sink: task.Progress}
	if o.sink == nil {
		o.sink = nopProgress{}
	}

	var res *TransferResult
	switch task.Direction {
	case Upload:
		res, _ = c.upload(ctx, c.pooled(), task.Source, task.Destination, o)
	case Download:
		res, _ = c.download(ctx, c.pooled(), task.Source, task.Destination, o)
	default:
		return &TransferResult{
			Direction:   task.Direction,
			Source:      task.Source,
			Destination: task.Destination,
			State:       StateFailed,
			Attempts:    1,
			Err:         newError(ErrTransfer, "batch", task.Source, fmt.Errorf("%w: unknown direction %q", ErrInvalidArgument, task.Direction)),
		}
	}
	return res
}

func skippedResult(task TransferTask, err error) TransferResult {
	return TransferResult{
		Direction:   task.Direction,
		Source:      task.Source,
		Destination: task.Destination,
		State:       StateInit,
		Err:         fmt.Errorf("skipped %s: %w", filepath.Base(task.Source), err),
	}
}
