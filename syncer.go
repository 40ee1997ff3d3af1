package gotransfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"golang.org/x/sync/errgroup"
)

// Symlink policies for ScanDirectory.
const (
	SymlinkFollow = "follow"
	SymlinkSkip   = "skip"
)

// SyncOptions configures UploadDirectory.
type SyncOptions struct {
	// ExcludePatterns is a list of glob patterns to exclude from sync.
	// Patterns are matched against both the file name and the relative path.
	ExcludePatterns []string

	// SymlinkPolicy specifies how to handle symlinks: "follow" or "skip".
	// Default: "follow"
	SymlinkPolicy string

	// Verify checks the integrity of every uploaded file.
	Verify bool

	// DryRun only reports what would be uploaded without making changes.
	DryRun bool
}

// WithDefaults returns a copy of the options with default values applied.
func (o SyncOptions) WithDefaults() SyncOptions {
	if o.SymlinkPolicy == "" {
		o.SymlinkPolicy = SymlinkFollow
	}
	return o
}

// DirectoryUploadResult represents the result of UploadDirectory.
type DirectoryUploadResult struct {
	// Files lists the scanned files in path order.
	Files []FileInfo

	// Report holds the per-file transfer results. Nil for a dry run.
	Report *BatchReport

	// Checksums holds one record per verified file, index-aligned with Files.
	Checksums []*ChecksumRecord

	// TotalSize is the size of all scanned files.
	TotalSize int64

	// CombinedHash fingerprints the whole tree.
	CombinedHash string

	Duration time.Duration
}

// UploadDirectory uploads every file below localDir to the same relative
// path below remoteDir, creating remote directories as needed. Individual
// file failures are recorded in the report; the returned error is only set
// when the directory could not be scanned or remote directories could not
// be created.
func (c *Client) UploadDirectory(ctx context.Context, localDir, remoteDir string, opts *SyncOptions) (*DirectoryUploadResult, error) {
	if opts == nil {
		opts = &SyncOptions{}
	}
	o := opts.WithDefaults()
	start := time.Now()

	files, err := ScanDirectory(c.local.fs, c.local.path(localDir), o.ExcludePatterns, o.SymlinkPolicy)
	if err != nil {
		return nil, newError(ErrMetadata, "scan", localDir, fmt.Errorf("failed to scan directory: %w", err))
	}

	result := &DirectoryUploadResult{Files: files, CombinedHash: ComputeCombinedHash(files)}
	for _, f := range files {
		result.TotalSize += f.Size
	}
	if o.DryRun || len(files) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	items := make([]BatchItem, len(files))
	dirs := map[string]struct{}{}
	for i, f := range files {
		remote := path.Join(remoteDir, filepath.ToSlash(f.RelPath))
		items[i] = BatchItem{Local: filepath.Join(localDir, f.RelPath), Remote: remote}
		dirs[path.Dir(remote)] = struct{}{}
	}

	if err := c.ensureRemoteDirs(ctx, dirs); err != nil {
		return result, err
	}

	result.Report = c.ParallelUpload(ctx, items)

	if o.Verify {
		result.Checksums = c.verifyUploaded(ctx, items, result.Report)
	}

	result.Duration = time.Since(start)
	c.logger.Infof("uploaded %s to %s: %d files, %d failed in %v",
		localDir, remoteDir, result.Report.Succeeded, result.Report.Failed, result.Duration.Round(time.Millisecond))
	return result, nil
}

func (c *Client) ensureRemoteDirs(ctx context.Context, dirs map[string]struct{}) error {
	sorted := make([]string, 0, len(dirs))
	for d := range dirs {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)

	return c.do(ctx, c.pooled(), ErrMetadata, "mkdirs", "", func(s *Session) error {
		for _, d := range sorted {
			if err := makeDirAll(s, d); err != nil {
				return fmt.Errorf("failed to create remote directory %s: %w", d, err)
			}
		}
		return nil
	})
}

// verifyUploaded checks every successfully uploaded item. A failed check is
// recorded on the item's result.
func (c *Client) verifyUploaded(ctx context.Context, items []BatchItem, report *BatchReport) []*ChecksumRecord {
	records := make([]*ChecksumRecord, len(items))
	failed := make([]bool, len(items))

	var g errgroup.Group
	g.SetLimit(c.pool.Capacity())
	for i, it := range items {
		if report.Results[i].Err != nil {
			continue
		}
		g.Go(func() error {
			rec, err := c.Verify(ctx, it.Local, it.Remote)
			records[i] = rec
			if err != nil {
				failed[i] = true
				report.Results[i].Err = err
				report.Results[i].State = StateFailed
			}
			return nil
		})
	}
	_ = g.Wait()

	for i := range items {
		if failed[i] {
			report.Succeeded--
			report.Failed++
		}
	}
	return records
}

// FileInfo holds information about a file.
type FileInfo struct {
	RelPath string
	Hash    string
	Size    int64
}

// ScanDirectory walks root on fsys and returns every regular file not
// matching an exclude pattern, sorted by relative path.
func ScanDirectory(fsys billy.Filesystem, root string, excludePatterns []string, symlinkPolicy string) ([]FileInfo, error) {
	if symlinkPolicy == "" {
		symlinkPolicy = SymlinkFollow
	}
	if symlinkPolicy != SymlinkFollow && symlinkPolicy != SymlinkSkip {
		return nil, fmt.Errorf("%w: unknown symlink policy %q", ErrInvalidArgument, symlinkPolicy)
	}

	var files []FileInfo

	err := util.Walk(fsys, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		if shouldExclude(relPath, excludePatterns) {
			return nil
		}

		if info.Mode()&os.ModeSymlink != 0 {
			if symlinkPolicy == SymlinkSkip {
				return nil
			}
			target, err := fsys.Stat(p)
			if err != nil {
				return fmt.Errorf("failed to resolve symlink %s: %w", relPath, err)
			}
			if target.IsDir() {
				return nil
			}
		} else if !info.Mode().IsRegular() {
			return nil
		}

		hash, size, err := HashFile(fsys, p)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", relPath, err)
		}

		files = append(files, FileInfo{
			RelPath: relPath,
			Hash:    hash,
			Size:    size,
		})

		return nil
	})

	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].RelPath < files[j].RelPath
	})

	return files, nil
}

func shouldExclude(relPath string, patterns []string) bool {
	parts := splitPath(relPath)
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, filepath.Base(relPath)); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, relPath); matched {
			return true
		}
		for _, part := range parts {
			if matched, _ := filepath.Match(pattern, part); matched {
				return true
			}
		}
	}
	return false
}

func splitPath(p string) []string {
	var parts []string
	for p != "" && p != "." && p != string(filepath.Separator) {
		dir, file := filepath.Split(p)
		if file != "" {
			parts = append(parts, file)
		}
		p = filepath.Clean(dir)
		if p == dir {
			break
		}
	}
	return parts
}

// HashFile computes the SHA256 hash of a file.
func HashFile(fsys billy.Basic, p string) (string, int64, error) {
	file, err := fsys.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	h := sha256.New()
	size, err := io.Copy(h, file)
	if err != nil {
		return "", 0, err
	}

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), size, nil
}

// ComputeCombinedHash computes a combined hash from multiple file hashes.
func ComputeCombinedHash(files []FileInfo) string {
	h := sha256.New()
	for _, file := range files {
		_, _ = io.WriteString(h, filepath.ToSlash(file.RelPath))
		_, _ = io.WriteString(h, ":")
		_, _ = io.WriteString(h, file.Hash)
		_, _ = io.WriteString(h, "\n")
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
