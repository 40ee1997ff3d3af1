package gotransfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ChecksumRecord is the evidence gathered by Verify.
type ChecksumRecord struct {
	Algorithm    ChecksumAlgorithm
	LocalDigest  string
	RemoteDigest string
	LocalSize    int64

	// RemoteSize is -1 if the server could not report it.
	RemoteSize int64

	// Fallback is set when the remote digest was computed locally from a
	// downloaded copy because the server cannot compute checksums.
	Fallback bool

	Verified bool
}

// Verify checks that the remote file matches the local one. Sizes are
// compared first; only if they agree are digests compared. A mismatch fails
// with ErrIntegrity and is never retried.
func (c *Client) Verify(ctx context.Context, local, remote string) (*ChecksumRecord, error) {
	return verify(ctx, c, c.pooled(), local, remote)
}

func verify(ctx context.Context, c *Client, src sessionSource, local, remote string) (*ChecksumRecord, error) {
	algo := c.cfg.Checksum
	rec := &ChecksumRecord{Algorithm: algo, RemoteSize: -1}

	digest, size, err := c.hashLocal(local, algo)
	if err != nil {
		return rec, newError(ErrMetadata, "verify", local, err)
	}
	rec.LocalDigest, rec.LocalSize = digest, size

	err = c.do(ctx, src, ErrMetadata, "verify", remote, func(s *Session) error {
		rec.Fallback = false
		remoteSize, err := s.Size(remote)
		switch {
		case err == nil:
			rec.RemoteSize = remoteSize
			if remoteSize != rec.LocalSize {
				return &Error{Kind: ErrIntegrity, Op: "verify", Path: remote,
					Err: fmt.Errorf("%w: local %d bytes, remote %d bytes", ErrSizeMismatch, rec.LocalSize, remoteSize)}
			}
		case IsRemoteNotFound(err):
			return err
		default:
			c.logger.Debugf("size of %s unavailable, comparing digests only: %v", remote, err)
		}

		remoteDigest, err := s.Checksum(remote, algo)
		if errors.Is(err, ErrChecksumUnsupported) {
			c.logger.Debugf("server cannot checksum %s, downloading it: %v", remote, err)
			rec.Fallback = true
			remoteDigest, err = c.downloadDigest(s, local, remote, algo)
		}
		if err != nil {
			return err
		}
		rec.RemoteDigest = remoteDigest

		if !strings.EqualFold(rec.RemoteDigest, rec.LocalDigest) {
			return &Error{Kind: ErrIntegrity, Op: "verify", Path: remote,
				Err: fmt.Errorf("%w: %s local %s, remote %s", ErrChecksumMismatch, algo, rec.LocalDigest, rec.RemoteDigest)}
		}
		return nil
	})
	if err != nil {
		c.logger.Errorf("integrity check of %s failed: %v", remote, err)
		return rec, err
	}

	rec.Verified = true
	c.logger.Infof("integrity of %s verified (%s %s)", remote, algo, rec.LocalDigest)
	return rec, nil
}

func (c *Client) hashLocal(local string, algo ChecksumAlgorithm) (string, int64, error) {
	f, err := c.local.Open(local)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open local file: %w", err)
	}
	defer f.Close()

	digest, n, err := hashStream(f, algo)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash local file: %w", err)
	}
	return digest, n, nil
}

// downloadDigest retrieves remote into a temporary file next to local and
// hashes it. The temporary file is always removed.
func (c *Client) downloadDigest(s *Session, local, remote string, algo ChecksumAlgorithm) (string, error) {
	tmp, err := c.local.TempFile(filepath.Dir(local), "."+filepath.Base(local)+".verify-")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	name := tmp.Name()
	defer c.local.removeQuietly(name, c.logger)

	stop := startKeepAlive(s, c.cfg.KeepAliveInterval, c.logger)
	err = s.Retrieve(remote, tmp)
	stop()
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return "", &Error{Kind: ErrTransfer, Op: "verify", Path: remote, Err: err}
	}

	digest, _, err := c.hashLocal(name, algo)
	return digest, err
}
