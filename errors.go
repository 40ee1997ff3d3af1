package gotransfer

import (
	"errors"
	"fmt"
	"io/fs"
)

// Failure kinds. Every error returned by a Client operation matches exactly one
// of these with errors.Is.
var (
	// ErrConnection indicates session establishment or a liveness probe failed.
	ErrConnection = errors.New("connection failure")

	// ErrTransfer indicates a streaming upload or download failed.
	ErrTransfer = errors.New("transfer failure")

	// ErrIntegrity indicates a size or digest mismatch. It is never retried.
	ErrIntegrity = errors.New("integrity failure")

	// ErrMetadata indicates a directory or file command failed.
	ErrMetadata = errors.New("metadata failure")
)

// Detail errors wrapped inside a failure kind.
var (
	// ErrEmptyDownload is returned when a download produced a zero-byte file.
	ErrEmptyDownload = errors.New("downloaded file is empty")

	// ErrSizeMismatch is returned when local and remote sizes differ.
	ErrSizeMismatch = errors.New("file size mismatch")

	// ErrChecksumMismatch is returned when local and remote digests differ.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrChecksumUnsupported is returned by a Transport whose server cannot
	// compute a digest for the requested algorithm.
	ErrChecksumUnsupported = errors.New("remote checksum not supported")

	// ErrPoolClosed is returned by Acquire after the pool has been closed.
	ErrPoolClosed = errors.New("session pool closed")

	// ErrInvalidArgument is returned for caller mistakes that retrying cannot fix.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Error describes a failed operation.
type Error struct {
	// Kind is one of ErrConnection, ErrTransfer, ErrIntegrity or ErrMetadata.
	Kind error

	// Op is the operation name, e.g. "download".
	Op string

	// Path is the path the operation acted on, if any.
	Path string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
}

// Unwrap exposes both the failure kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// newError classifies err under kind. An error that already carries a
// classification keeps it, so a connection failure inside a transfer still
// reports ErrConnection.
func newError(kind error, op, path string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// RemoteError is a negative reply from the remote server.
// Code follows FTP reply codes; the SFTP transport maps its status errors onto
// the same codes so callers can treat both protocols alike.
type RemoteError struct {
	Code int
	Op   string
	Path string
	Err  error
}

// Remote reply codes used by the transports.
const (
	CodeNotAvailable = 450 // transient: file busy or unavailable
	CodeLocalError   = 451 // transient: aborted by a server-side error
	CodeNotLoggedIn  = 530
	CodeFileNotFound = 550 // not found or no access
	CodeNameNotAllow = 553
)

func (e *RemoteError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: remote replied %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: remote replied %d: %v", e.Op, e.Path, e.Code, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, fs.ErrNotExist) match a 550 reply.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case fs.ErrNotExist:
		return e.Code == CodeFileNotFound
	case fs.ErrPermission:
		return e.Code == CodeNotLoggedIn
	}
	return false
}

// Permanent reports whether the reply is a permanent negative completion (5xx).
func (e *RemoteError) Permanent() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsRemoteNotFound reports whether err is a remote "no such file or directory" reply.
func IsRemoteNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == CodeFileNotFound
}

// isRemoteReply reports whether err carries a server reply, meaning the
// control connection itself is still healthy.
func isRemoteReply(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as fatal so that no RetryPolicy retries it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
