package gotransfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Direction is the direction of a transfer.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// TransferState is the lifecycle of one transfer attempt.
type TransferState int

const (
	StateInit TransferState = iota
	StateStreaming
	StateVerifyingSize
	StateDone
	StateFailed
)

func (s TransferState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStreaming:
		return "STREAMING"
	case StateVerifyingSize:
		return "VERIFYING_SIZE"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("TransferState(%d)", int(s))
}

// TransferTask describes one file to move.
type TransferTask struct {
	Direction Direction

	// Source is the local path for uploads and the remote path for downloads.
	Source string

	// Destination is the remote path for uploads and the local path for downloads.
	Destination string

	// Progress, if set, receives cumulative byte counts.
	Progress ProgressSink
}

// TransferResult is the outcome of a transfer, including all retries.
type TransferResult struct {
	Direction   Direction
	Source      string
	Destination string

	// Bytes moved by the last attempt.
	Bytes int64

	// State is StateDone on success and StateFailed otherwise.
	State TransferState

	// Attempts counts how often the transfer was started.
	Attempts int

	Duration time.Duration
	Err      error
}

// TransferOption customizes a single transfer.
type TransferOption func(*transferOptions)

type transferOptions struct {
	sink ProgressSink
}

// WithProgress reports progress of the transfer to sink instead of the
// default console indicator.
func WithProgress(sink ProgressSink) TransferOption {
	return func(o *transferOptions) {
		o.sink = sink
	}
}

func (c *Client) transferOptions(label string, opts []TransferOption) transferOptions {
	var o transferOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.sink == nil {
		if c.cfg.DisableProgress {
			o.sink = nopProgress{}
		} else {
			o.sink = newConsoleProgress(c.cfg.ProgressOutput, label)
		}
	}
	return o
}

// Download copies a remote file to a local path. Every attempt starts from
// the beginning on a freshly acquired session. A download that leaves an
// empty local file fails with ErrEmptyDownload.
func (c *Client) Download(ctx context.Context, remote, local string, opts ...TransferOption) (*TransferResult, error) {
	return c.download(ctx, c.pooled(), remote, local, c.transferOptions(filepath.Base(local), opts))
}

// Upload copies a local file to a remote path.
func (c *Client) Upload(ctx context.Context, local, remote string, opts ...TransferOption) (*TransferResult, error) {
	return c.upload(ctx, c.pooled(), local, remote, c.transferOptions(filepath.Base(local), opts))
}

func (c *Client) download(ctx context.Context, src sessionSource, remote, local string, o transferOptions) (*TransferResult, error) {
	res := &TransferResult{Direction: Download, Source: remote, Destination: local, State: StateInit}
	start := time.Now()

	err := c.do(ctx, src, ErrTransfer, "download", remote, func(s *Session) error {
		res.Attempts++
		return c.downloadOnce(s, remote, local, o.sink, res)
	})
	return c.finish(res, start, err)
}

func (c *Client) downloadOnce(s *Session, remote, local string, sink ProgressSink, res *TransferResult) error {
	res.State = StateInit
	res.Bytes = 0

	total, err := s.Size(remote)
	if err != nil {
		if IsRemoteNotFound(err) {
			return err
		}
		c.logger.Debugf("size of %s unavailable, progress total unknown: %v", remote, err)
		total = -1
	}

	f, err := c.local.Create(local)
	if err != nil {
		return fmt.Errorf("failed to create local file %s: %w", local, err)
	}

	res.State = StateStreaming
	cw := &countingWriter{w: f, total: total, sink: sink}
	stop := startKeepAlive(s, c.cfg.KeepAliveInterval, c.logger)
	err = s.Retrieve(remote, cw)
	stop()
	res.Bytes = cw.n

	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close local file %s: %w", local, cerr)
	}
	if err != nil {
		return err
	}

	res.State = StateVerifyingSize
	fi, err := c.local.Stat(local)
	if err != nil {
		return fmt.Errorf("failed to stat downloaded file %s: %w", local, err)
	}
	if fi.Size() == 0 {
		c.local.removeQuietly(local, c.logger)
		return ErrEmptyDownload
	}
	return nil
}

func (c *Client) upload(ctx context.Context, src sessionSource, local, remote string, o transferOptions) (*TransferResult, error) {
	res := &TransferResult{Direction: Upload, Source: local, Destination: remote, State: StateInit}
	start := time.Now()

	err := c.do(ctx, src, ErrTransfer, "upload", remote, func(s *Session) error {
		res.Attempts++
		return c.uploadOnce(s, local, remote, o.sink, res)
	})
	return c.finish(res, start, err)
}

func (c *Client) uploadOnce(s *Session, local, remote string, sink ProgressSink, res *TransferResult) error {
	res.State = StateInit
	res.Bytes = 0

	fi, err := c.local.Stat(local)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: local file %s does not exist", ErrInvalidArgument, local)
		}
		return fmt.Errorf("failed to stat local file %s: %w", local, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidArgument, local)
	}

	f, err := c.local.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open local file %s: %w", local, err)
	}
	defer f.Close()

	res.State = StateStreaming
	cr := &countingReader{r: f, total: fi.Size(), sink: sink}
	stop := startKeepAlive(s, c.cfg.KeepAliveInterval, c.logger)
	err = s.Store(remote, cr)
	stop()
	res.Bytes = cr.n
	return err
}

func (c *Client) finish(res *TransferResult, start time.Time, err error) (*TransferResult, error) {
	res.Duration = time.Since(start)
	metricsTransfer(c.metrics, res.Direction, res.Bytes, res.Duration, err)

	if err != nil {
		res.State = StateFailed
		res.Err = err
		return res, err
	}
	res.State = StateDone
	c.logger.Infof("%s %s -> %s complete (%d bytes, %d attempt(s), %v)",
		res.Direction, res.Source, res.Destination, res.Bytes, res.Attempts, res.Duration.Round(time.Millisecond))
	return res, nil
}
