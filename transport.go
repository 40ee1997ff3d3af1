package gotransfer

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// Transport is one authenticated protocol session. Implementations are not
// safe for concurrent use, with the exception of KeepAlive, which may be
// called while a Retrieve or Store is in flight.
type Transport interface {
	// Probe issues a cheap round trip (NOOP, getwd) to prove the session is alive.
	Probe() error

	// KeepAlive signals the server that the session is in use.
	KeepAlive() error

	Retrieve(path string, w io.Writer) error
	Store(path string, r io.Reader) error

	// Size returns the remote file size in bytes.
	Size(path string) (int64, error)

	// List returns the names in dir, as a name list (NLST) would.
	List(dir string) ([]string, error)

	ChangeDir(dir string) error
	CurrentDir() (string, error)
	MakeDir(dir string) error
	RemoveDir(dir string) error
	Delete(path string) error
	Rename(from, to string) error

	// Checksum returns the lowercase hex digest of a remote file computed by the
	// server. It returns ErrChecksumUnsupported if the server cannot do so.
	Checksum(path string, algo ChecksumAlgorithm) (string, error)

	Close() error
}

// Dialer opens new sessions: connect, secure and authenticate.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }

func newDigest(algo ChecksumAlgorithm) (hash.Hash, error) {
	switch ChecksumAlgorithm(strings.ToUpper(string(algo))) {
	case ChecksumMD5:
		return md5.New(), nil
	case ChecksumSHA1, "SHA1":
		return sha1.New(), nil
	case ChecksumSHA256, "SHA256":
		return sha256.New(), nil
	}
	return nil, fmt.Errorf("%w: unsupported checksum algorithm %q", ErrInvalidArgument, algo)
}

// hashStream digests r and returns the hex digest and the number of bytes read.
func hashStream(r io.Reader, algo ChecksumAlgorithm) (string, int64, error) {
	h, err := newDigest(algo)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// parseDigest extracts the hex digest from a server reply such as
// "SHA-256 0-41 9f86d0...08 file.txt" or "9f86d0...08  file.txt".
func parseDigest(reply string, algo ChecksumAlgorithm) (string, error) {
	h, err := newDigest(algo)
	if err != nil {
		return "", err
	}
	want := h.Size() * 2
	for _, field := range strings.Fields(reply) {
		if len(field) != want {
			continue
		}
		if _, err := hex.DecodeString(field); err == nil {
			return strings.ToLower(field), nil
		}
	}
	return "", fmt.Errorf("no %s digest in reply %q", algo, reply)
}
