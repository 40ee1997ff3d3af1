package gotransfer

import (
	"context"
	"path/filepath"
)

// Download is Client.Download on the held session.
func (h *HeldSession) Download(ctx context.Context, remote, local string, opts ...TransferOption) (*TransferResult, error) {
	return h.c.download(ctx, h, remote, local, h.c.transferOptions(filepath.Base(local), opts))
}

// Upload is Client.Upload on the held session.
func (h *HeldSession) Upload(ctx context.Context, local, remote string, opts ...TransferOption) (*TransferResult, error) {
	return h.c.upload(ctx, h, local, remote, h.c.transferOptions(filepath.Base(local), opts))
}

func (h *HeldSession) Verify(ctx context.Context, local, remote string) (*ChecksumRecord, error) {
	return verify(ctx, h.c, h, local, remote)
}

func (h *HeldSession) FileExists(ctx context.Context, remotePath string) (bool, error) {
	return fileExists(ctx, h.c, h, remotePath)
}

func (h *HeldSession) DirExists(ctx context.Context, dir string) (bool, error) {
	return dirExists(ctx, h.c, h, dir)
}

func (h *HeldSession) List(ctx context.Context, dir string, onlyFiles bool) ([]string, error) {
	return list(ctx, h.c, h, dir, onlyFiles)
}

func (h *HeldSession) Move(ctx context.Context, src, destDir string, overwrite bool) (string, error) {
	return move(ctx, h.c, h, src, destDir, overwrite)
}

func (h *HeldSession) Rename(ctx context.Context, from, to string) error {
	return h.c.do(ctx, h, ErrMetadata, "rename", from, func(s *Session) error {
		return s.Rename(from, to)
	})
}

func (h *HeldSession) Delete(ctx context.Context, remotePath string) error {
	return h.c.do(ctx, h, ErrMetadata, "delete", remotePath, func(s *Session) error {
		return s.Delete(remotePath)
	})
}

func (h *HeldSession) MakeDir(ctx context.Context, dir string) error {
	return h.c.do(ctx, h, ErrMetadata, "mkdir", dir, func(s *Session) error {
		return s.MakeDir(dir)
	})
}

func (h *HeldSession) RemoveDir(ctx context.Context, dir string) error {
	return h.c.do(ctx, h, ErrMetadata, "rmdir", dir, func(s *Session) error {
		return s.RemoveDir(dir)
	})
}

// ChangeDir changes the working directory of the held session. Relative
// paths in later calls resolve against it until Release, which restores the
// login directory.
func (h *HeldSession) ChangeDir(ctx context.Context, dir string) error {
	return h.c.do(ctx, h, ErrMetadata, "cwd", dir, func(s *Session) error {
		return s.ChangeDir(dir)
	})
}

func (h *HeldSession) CurrentDir(ctx context.Context) (string, error) {
	return withSession(ctx, h.c, h, ErrMetadata, "pwd", "", func(s *Session) (string, error) {
		return s.CurrentDir()
	})
}

func (h *HeldSession) Size(ctx context.Context, remotePath string) (int64, error) {
	return withSession(ctx, h.c, h, ErrMetadata, "size", remotePath, func(s *Session) (int64, error) {
		return s.Size(remotePath)
	})
}
