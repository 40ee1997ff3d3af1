package gotransfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExists(t *testing.T) {
	srv := newFakeServer()
	srv.putFile("/data/a.txt", []byte("a"))
	srv.putDir("/data/sub")
	client, _ := newTestClient(t, srv)
	ctx := context.Background()

	tests := []struct {
		path string
		want bool
	}{
		{"/data/a.txt", true},
		{"/data/b.txt", false},
		{"/data/sub", true},
		{"/nowhere/a.txt", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := client.FileExists(ctx, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDirExists(t *testing.T) {
	srv := newFakeServer()
	srv.putFile("/data/a.txt", []byte("a"))
	client, _ := newTestClient(t, srv)
	ctx := context.Background()

	ok, err := client.DirExists(ctx, "/data")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.DirExists(ctx, "/data/a.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = client.DirExists(ctx, "/missing")
	require.NoError(t, err)
	assert.False(t, ok)

	s, err := client.Pool().Acquire(ctx)
	require.NoError(t, err)
	dir, _ := s.CurrentDir()
	assert.Equal(t, "/home", dir, "probing a directory must not move the session")
	client.Pool().Release(s, true)
}

func TestList(t *testing.T) {
	srv := newFakeServer()
	srv.putFile("/data/a.txt", []byte("a"))
	srv.putFile("/data/b.txt", []byte("b"))
	srv.putDir("/data/archive")
	client, _ := newTestClient(t, srv)
	ctx := context.Background()

	all, err := client.List(ctx, "/data", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt", "archive"}, all)

	files, err := client.List(ctx, "/data", true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, files)
}

func TestList_NotFoundIsEmpty(t *testing.T) {
	srv := newFakeServer()
	logger := &recordingLogger{}
	client, _ := newTestClient(t, srv, func(c *Config) {
		c.Logger = logger
		c.Classifier = PermanentRepliesFatal
	})

	names, err := client.List(context.Background(), "/missing", false)
	require.NoError(t, err)
	assert.NotNil(t, names)
	assert.Empty(t, names)
	assert.Contains(t, logger.Lines(), "WARN directory /missing is empty or not accessible")
}

func TestList_TransportErrorIsMetadataFailure(t *testing.T) {
	srv := newFakeServer()
	srv.putDir("/data")
	client, _ := newTestClient(t, srv)

	boom := errors.New("connection reset by peer")
	srv.failNext("List", boom, boom, boom)

	_, err := client.List(context.Background(), "/data", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMetadata)
	assert.ErrorIs(t, err, boom)
}

func TestMove(t *testing.T) {
	fixed := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

	tests := []struct {
		name      string
		existing  bool
		overwrite bool
		wantDest  string
	}{
		{"new destination", false, false, "/archive/report.csv"},
		{"existing replaced", true, true, "/archive/report.csv"},
		{"existing kept", true, false, "/archive/report_20240309140507.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer()
			srv.putFile("/incoming/report.csv", []byte("new"))
			if tt.existing {
				srv.putFile("/archive/report.csv", []byte("old"))
			}
			client, _ := newTestClient(t, srv)
			client.now = func() time.Time { return fixed }

			dest, err := client.Move(context.Background(), "/incoming/report.csv", "/archive", tt.overwrite)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDest, dest)

			got, ok := srv.file(tt.wantDest)
			require.True(t, ok)
			assert.Equal(t, "new", string(got))

			_, ok = srv.file("/incoming/report.csv")
			assert.False(t, ok, "source must be gone")

			if tt.existing && !tt.overwrite {
				old, ok := srv.file("/archive/report.csv")
				require.True(t, ok, "existing file is preserved")
				assert.Equal(t, "old", string(old))
			}
		})
	}
}

func TestMove_CreatesNestedDestination(t *testing.T) {
	srv := newFakeServer()
	srv.putFile("/incoming/a.txt", []byte("a"))
	client, _ := newTestClient(t, srv)

	dest, err := client.Move(context.Background(), "/incoming/a.txt", "/archive/2024/03", false)
	require.NoError(t, err)
	assert.Equal(t, "/archive/2024/03/a.txt", dest)
	assert.True(t, srv.hasDir("/archive/2024"))
}

func TestMove_MissingSource(t *testing.T) {
	srv := newFakeServer()
	srv.putDir("/archive")
	client, _ := newTestClient(t, srv, func(c *Config) { c.Classifier = PermanentRepliesFatal })

	_, err := client.Move(context.Background(), "/incoming/none.txt", "/archive", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMetadata)
	assert.True(t, IsRemoteNotFound(err))
}

func TestTimestampedName(t *testing.T) {
	ts := time.Date(2023, 12, 31, 23, 59, 58, 0, time.UTC)

	tests := []struct {
		name string
		want string
	}{
		{"report.csv", "report_20231231235958.csv"},
		{"archive.tar.gz", "archive.tar_20231231235958.gz"},
		{"README", "README_20231231235958"},
		{".env", ".env_20231231235958"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, timestampedName(tt.name, ts))
		})
	}
}

func TestSimpleCommands(t *testing.T) {
	srv := newFakeServer()
	srv.putFile("/data/a.txt", []byte("hello"))
	client, _ := newTestClient(t, srv, func(c *Config) { c.Classifier = PermanentRepliesFatal })
	ctx := context.Background()

	size, err := client.Size(ctx, "/data/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	require.NoError(t, client.Rename(ctx, "/data/a.txt", "/data/b.txt"))
	_, ok := srv.file("/data/b.txt")
	assert.True(t, ok)

	require.NoError(t, client.MakeDir(ctx, "/data/new"))
	assert.True(t, srv.hasDir("/data/new"))

	require.NoError(t, client.RemoveDir(ctx, "/data/new"))
	assert.False(t, srv.hasDir("/data/new"))

	require.NoError(t, client.Delete(ctx, "/data/b.txt"))
	_, ok = srv.file("/data/b.txt")
	assert.False(t, ok)

	err = client.Delete(ctx, "/data/b.txt")
	assert.ErrorIs(t, err, ErrMetadata)
	assert.Equal(t, 2, srv.callCount("Delete"), "a 550 is not retried under PermanentRepliesFatal")
}

func TestChangeDir_DoesNotLeakIntoPool(t *testing.T) {
	srv := newFakeServer()
	srv.putDir("/data")
	client, _ := newTestClient(t, srv)
	ctx := context.Background()

	require.NoError(t, client.ChangeDir(ctx, "/data"))

	dir, err := client.CurrentDir(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/home", dir)

	err = client.ChangeDir(ctx, "/missing")
	assert.ErrorIs(t, err, ErrMetadata)
}
