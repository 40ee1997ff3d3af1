package gotransfer

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

// FileExists reports whether remotePath is listed in its parent directory.
func (c *Client) FileExists(ctx context.Context, remotePath string) (bool, error) {
	return fileExists(ctx, c, c.pooled(), remotePath)
}

// DirExists reports whether dir can be entered.
func (c *Client) DirExists(ctx context.Context, dir string) (bool, error) {
	return dirExists(ctx, c, c.pooled(), dir)
}

// List returns the base names in dir. A directory the server refuses to
// list (550) yields an empty slice. With onlyFiles, subdirectories are
// filtered out.
func (c *Client) List(ctx context.Context, dir string, onlyFiles bool) ([]string, error) {
	return list(ctx, c, c.pooled(), dir, onlyFiles)
}

// Move moves src into destDir, creating destDir if needed, and returns the
// final remote path. If a file of the same name exists it is replaced when
// overwrite is set; otherwise src is stored under a timestamped name.
func (c *Client) Move(ctx context.Context, src, destDir string, overwrite bool) (string, error) {
	return move(ctx, c, c.pooled(), src, destDir, overwrite)
}

func (c *Client) Rename(ctx context.Context, from, to string) error {
	return c.do(ctx, c.pooled(), ErrMetadata, "rename", from, func(s *Session) error {
		return s.Rename(from, to)
	})
}

func (c *Client) Delete(ctx context.Context, remotePath string) error {
	return c.do(ctx, c.pooled(), ErrMetadata, "delete", remotePath, func(s *Session) error {
		return s.Delete(remotePath)
	})
}

func (c *Client) MakeDir(ctx context.Context, dir string) error {
	return c.do(ctx, c.pooled(), ErrMetadata, "mkdir", dir, func(s *Session) error {
		return s.MakeDir(dir)
	})
}

func (c *Client) RemoveDir(ctx context.Context, dir string) error {
	return c.do(ctx, c.pooled(), ErrMetadata, "rmdir", dir, func(s *Session) error {
		return s.RemoveDir(dir)
	})
}

// ChangeDir checks that dir can be entered. Pooled sessions always return to
// their login directory, so the change does not outlive the call; use a
// HeldSession for a persistent working directory.
func (c *Client) ChangeDir(ctx context.Context, dir string) error {
	return c.do(ctx, c.pooled(), ErrMetadata, "cwd", dir, func(s *Session) error {
		return s.ChangeDir(dir)
	})
}

// CurrentDir returns the working directory of a pooled session, which is
// always its login directory.
func (c *Client) CurrentDir(ctx context.Context) (string, error) {
	return withSession(ctx, c, c.pooled(), ErrMetadata, "pwd", "", func(s *Session) (string, error) {
		return s.CurrentDir()
	})
}

// Size returns the size of a remote file in bytes.
func (c *Client) Size(ctx context.Context, remotePath string) (int64, error) {
	return withSession(ctx, c, c.pooled(), ErrMetadata, "size", remotePath, func(s *Session) (int64, error) {
		return s.Size(remotePath)
	})
}

func fileExists(ctx context.Context, c *Client, src sessionSource, remotePath string) (bool, error) {
	return withSession(ctx, c, src, ErrMetadata, "exists", remotePath, func(s *Session) (bool, error) {
		return fileExistsOn(s, remotePath)
	})
}

func dirExists(ctx context.Context, c *Client, src sessionSource, dir string) (bool, error) {
	return withSession(ctx, c, src, ErrMetadata, "direxists", dir, func(s *Session) (bool, error) {
		return isDir(s, dir)
	})
}

func list(ctx context.Context, c *Client, src sessionSource, dir string, onlyFiles bool) ([]string, error) {
	return withSession(ctx, c, src, ErrMetadata, "list", dir, func(s *Session) ([]string, error) {
		names, err := listOn(s, dir)
		if err != nil {
			if IsRemoteNotFound(err) {
				c.logger.Warnf("directory %s is empty or not accessible", dir)
				return []string{}, nil
			}
			return nil, err
		}
		if !onlyFiles {
			return names, nil
		}
		files := names[:0]
		for _, name := range names {
			d, err := isDir(s, path.Join(dir, name))
			if err != nil {
				return nil, err
			}
			if !d {
				files = append(files, name)
			}
		}
		return files, nil
	})
}

func move(ctx context.Context, c *Client, src sessionSource, from, destDir string, overwrite bool) (string, error) {
	return withSession(ctx, c, src, ErrMetadata, "move", from, func(s *Session) (string, error) {
		ok, err := isDir(s, destDir)
		if err != nil {
			return "", err
		}
		if !ok {
			if err := makeDirAll(s, destDir); err != nil {
				return "", err
			}
			c.logger.Infof("created directory %s", destDir)
		}

		name := path.Base(from)
		dest := path.Join(destDir, name)
		exists, err := fileExistsOn(s, dest)
		if err != nil {
			return "", err
		}
		if exists {
			if overwrite {
				if err := s.Delete(dest); err != nil {
					return "", err
				}
				c.logger.Infof("deleted existing file at destination %s", dest)
			} else {
				dest = path.Join(destDir, timestampedName(name, c.now()))
				c.logger.Infof("%s exists at destination, using %s", name, dest)
			}
		}

		if err := s.Rename(from, dest); err != nil {
			return "", err
		}
		c.logger.Infof("moved %s to %s", from, dest)
		return dest, nil
	})
}

// timestampedName inserts _YYYYMMDDHHMMSS before the extension of name.
func timestampedName(name string, t time.Time) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = name, ""
	}
	return stem + "_" + t.Format("20060102150405") + ext
}

func listOn(s *Session, dir string) ([]string, error) {
	raw, err := s.List(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(raw))
	for _, entry := range raw {
		name := path.Base(strings.TrimRight(entry, "/"))
		if name == "." || name == ".." || name == "/" {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func fileExistsOn(s *Session, remotePath string) (bool, error) {
	names, err := listOn(s, path.Dir(remotePath))
	if err != nil {
		if IsRemoteNotFound(err) {
			return false, nil
		}
		return false, err
	}
	base := path.Base(remotePath)
	for _, name := range names {
		if name == base {
			return true, nil
		}
	}
	return false, nil
}

// isDir enters dir and returns to the previous directory. A permanent
// negative reply means dir is not an enterable directory.
func isDir(s *Session, dir string) (bool, error) {
	prev, err := s.CurrentDir()
	if err != nil {
		return false, err
	}
	if err := s.Transport.ChangeDir(dir); err != nil {
		var re *RemoteError
		if errors.As(err, &re) && re.Permanent() {
			return false, nil
		}
		return false, err
	}
	if err := s.Transport.ChangeDir(prev); err != nil {
		s.dirty = true
		return true, err
	}
	return true, nil
}

// makeDirAll creates dir and any missing parents.
func makeDirAll(s *Session, dir string) error {
	dir = path.Clean(dir)
	if dir == "." || dir == "/" {
		return nil
	}
	ok, err := isDir(s, dir)
	if err != nil || ok {
		return err
	}
	if err := makeDirAll(s, path.Dir(dir)); err != nil {
		return err
	}
	if err := s.MakeDir(dir); err != nil {
		// Lost a race with another session creating the same directory.
		if ok, _ := isDir(s, dir); ok {
			return nil
		}
		return err
	}
	return nil
}
