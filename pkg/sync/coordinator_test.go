package sync

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"os"
	"path"
	"strings"
	goSync "sync"
	"sync/atomic"
	"syscall"
	"testing"
	"testing/iotest"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/docmirror/pkg/errors"
	"github.com/sidkik/docmirror/pkg/mirror"
	"github.com/sidkik/docmirror/pkg/remote"
	"github.com/sidkik/docmirror/pkg/remote/mocks"
)

var (
	testRepo = remote.Descriptor{Owner: "org", Name: "docs"}
	t1       = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
)

type testEnv struct {
	clock       clockwork.FakeClock
	remote      *mocks.Client
	mirror      *mirror.Mirror
	timestamps  TimestampStore
	coordinator *Coordinator
}

func newTestEnv(t *testing.T, timestamps TimestampStore) *testEnv {
	if timestamps == nil {
		timestamps = &MemoryTimestampStore{}
	}

	env := &testEnv{
		clock:      clockwork.NewFakeClockAt(t1),
		remote:     new(mocks.Client),
		mirror:     mirror.New(afero.NewOsFs(), t.TempDir()),
		timestamps: timestamps,
	}

	var err error
	env.coordinator, err = New(env.mirror, env.remote, testRepo, timestamps, Options{
		Debounce:     time.Minute,
		FetchTimeout: time.Minute,
		Clock:        env.clock,
	})
	require.NoError(t, err)
	return env
}

// makeArchive returns a zipball whose entries are nested under a single
// directory, like the ones served by GitHub.
func makeArchive(t *testing.T, files map[string]string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, contents := range files {
		w, err := zw.Create(path.Join("org-docs-abc1234", name))
		require.NoError(t, err)
		_, err = w.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func serveArchive(archive []byte) func(context.Context, remote.Descriptor) io.ReadCloser {
	return func(context.Context, remote.Descriptor) io.ReadCloser {
		return ioutil.NopCloser(bytes.NewReader(archive))
	}
}

// readMirror returns every file in the mirror, read through the same
// interface that consumers use.
func readMirror(t *testing.T, m *mirror.Mirror) map[string]string {
	files := map[string]string{}
	var walk func(dir string)
	walk = func(dir string) {
		entries, ok, err := m.ListDir(dir)
		require.NoError(t, err)
		if !ok {
			return
		}

		for _, entry := range entries {
			rel := path.Join(dir, entry.Name())
			if entry.IsDir() {
				walk(rel)
				continue
			}

			contents, ok, err := m.ReadFile(rel)
			require.NoError(t, err)
			require.True(t, ok)
			files[rel] = string(contents)
		}
	}
	walk("")
	return files
}

func TestFirstCheckSkipsRemote(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, StateEmpty, env.coordinator.State())

	updateAvailable, err := env.coordinator.IsUpdateAvailable(context.Background())
	assert.NoError(t, err)
	assert.True(t, updateAvailable)
	env.remote.AssertNotCalled(t, "LastModified", mock.Anything, mock.Anything)
}

// TestStalenessScenario walks through the lifecycle of a mirror of org/docs.
func TestStalenessScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	files := map[string]string{
		"README.md":           "# Docs",
		"guides/install.adoc": "= Install",
	}
	env.remote.On("FetchArchive", mock.Anything, testRepo).
		Return(serveArchive(makeArchive(t, files)), nil)

	// T1: never synced, so a refresh is needed without asking the remote.
	updateAvailable, err := env.coordinator.IsUpdateAvailable(ctx)
	assert.NoError(t, err)
	assert.True(t, updateAvailable)

	result := env.coordinator.Refresh(ctx)
	require.NoError(t, result.Err)
	assert.True(t, result.Success)
	assert.Equal(t, t1, result.Timestamp)
	assert.NotEmpty(t, result.Attempt)
	assert.Equal(t, StateSynced, env.coordinator.State())
	assert.Equal(t, files, readMirror(t, env.mirror))

	lastSync, ok := env.coordinator.LastSync()
	assert.True(t, ok)
	assert.Equal(t, t1, lastSync)

	// T1 + 30s: inside the debounce window, so the remote isn't asked.
	env.clock.Advance(30 * time.Second)
	updateAvailable, err = env.coordinator.IsUpdateAvailable(ctx)
	assert.NoError(t, err)
	assert.False(t, updateAvailable)
	env.remote.AssertNotCalled(t, "LastModified", mock.Anything, mock.Anything)

	// T1 + 5m: the remote was last modified before the sync.
	env.clock.Advance(4*time.Minute + 30*time.Second)
	env.remote.On("LastModified", mock.Anything, testRepo).
		Return(t1.Add(-time.Minute), nil).Once()
	updateAvailable, err = env.coordinator.IsUpdateAvailable(ctx)
	assert.NoError(t, err)
	assert.False(t, updateAvailable)

	// The remote was modified after the sync.
	env.remote.On("LastModified", mock.Anything, testRepo).
		Return(t1.Add(3*time.Minute), nil).Once()
	updateAvailable, err = env.coordinator.IsUpdateAvailable(ctx)
	assert.NoError(t, err)
	assert.True(t, updateAvailable)

	result = env.coordinator.Refresh(ctx)
	require.NoError(t, result.Err)
	assert.Equal(t, t1.Add(5*time.Minute), result.Timestamp)

	// A remote timestamp equal to the last sync isn't newer.
	env.clock.Advance(time.Hour)
	env.remote.On("LastModified", mock.Anything, testRepo).
		Return(t1.Add(5*time.Minute), nil).Once()
	updateAvailable, err = env.coordinator.IsUpdateAvailable(ctx)
	assert.NoError(t, err)
	assert.False(t, updateAvailable)

	env.remote.AssertExpectations(t)
}

func TestIsUpdateAvailableRemoteErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		expKind errors.Kind
	}{
		{
			name:    "NotFound",
			err:     errors.E(errors.NotFound, "get repo", errors.New("404")),
			expKind: errors.NotFound,
		},
		{
			name:    "Unclassified",
			err:     context.DeadlineExceeded,
			expKind: errors.RemoteUnavailable,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			require.NoError(t, env.timestamps.Save(t1.Add(-time.Hour)))
			env.coordinator.lastSync, env.coordinator.hasSynced = t1.Add(-time.Hour), true

			env.remote.On("LastModified", mock.Anything, testRepo).
				Return(time.Time{}, test.err)

			updateAvailable, err := env.coordinator.IsUpdateAvailable(context.Background())
			assert.Error(t, err)
			assert.False(t, updateAvailable)
			assert.Equal(t, test.expKind, errors.KindOf(err))

			// Failed checks don't change any state.
			lastSync, ok := env.coordinator.LastSync()
			assert.True(t, ok)
			assert.Equal(t, t1.Add(-time.Hour), lastSync)
		})
	}
}

func TestConcurrentChecksShareRemoteQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	env.coordinator.lastSync, env.coordinator.hasSynced = t1.Add(-time.Hour), true

	release := make(chan struct{})
	var calls int32
	env.remote.On("LastModified", mock.Anything, testRepo).
		Run(func(mock.Arguments) {
			atomic.AddInt32(&calls, 1)
			<-release
		}).
		Return(t1, nil)

	var wg goSync.WaitGroup
	results := make(chan bool, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			updateAvailable, err := env.coordinator.IsUpdateAvailable(context.Background())
			assert.NoError(t, err)
			results <- updateAvailable
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for updateAvailable := range results {
		assert.True(t, updateAvailable)
	}
}

func TestCheckOutlivesCancelledCaller(t *testing.T) {
	env := newTestEnv(t, nil)
	env.coordinator.lastSync, env.coordinator.hasSynced = t1.Add(-time.Hour), true

	started := make(chan struct{})
	release := make(chan struct{})
	env.remote.On("LastModified", mock.Anything, testRepo).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(func(context.Context, remote.Descriptor) time.Time { return t1 },
			func(ctx context.Context, _ remote.Descriptor) error { return ctx.Err() }).
		Once()

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := env.coordinator.IsUpdateAvailable(ctx)
		firstErr <- err
	}()
	<-started

	type checkResult struct {
		updateAvailable bool
		err             error
	}
	second := make(chan checkResult, 1)
	go func() {
		updateAvailable, err := env.coordinator.IsUpdateAvailable(context.Background())
		second <- checkResult{updateAvailable, err}
	}()

	// Give the second caller time to join the in-flight query.
	time.Sleep(100 * time.Millisecond)

	cancel()
	err := <-firstErr
	assert.Equal(t, errors.RemoteUnavailable, errors.KindOf(err))

	close(release)
	res := <-second
	assert.NoError(t, res.err)
	assert.True(t, res.updateAvailable)
	env.remote.AssertNumberOfCalls(t, "LastModified", 1)
}

func TestRefreshIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	files := map[string]string{
		"index.adoc":       "= Index",
		"nested/deep.adoc": strings.Repeat("deep ", 1000),
	}
	env.remote.On("FetchArchive", mock.Anything, testRepo).
		Return(serveArchive(makeArchive(t, files)), nil)

	require.NoError(t, env.coordinator.Refresh(context.Background()).Err)
	first := readMirror(t, env.mirror)

	env.clock.Advance(time.Minute)
	require.NoError(t, env.coordinator.Refresh(context.Background()).Err)
	second := readMirror(t, env.mirror)

	assert.Equal(t, files, first)
	assert.Equal(t, first, second)
}

func TestRefreshFailuresKeepPreviousMirror(t *testing.T) {
	gen1 := map[string]string{"gen.txt": "1"}
	gen2 := makeArchive(t, map[string]string{"gen.txt": "2", "new.txt": "new"})

	tests := []struct {
		name    string
		fetch   func(*mocks.Client)
		expKind errors.Kind
	}{
		{
			name: "MidStreamFailure",
			fetch: func(client *mocks.Client) {
				partial := gen2[:len(gen2)/2]
				client.On("FetchArchive", mock.Anything, testRepo).Return(
					ioutil.NopCloser(iotest.TimeoutReader(bytes.NewReader(partial))), nil)
			},
			expKind: errors.RemoteUnavailable,
		},
		{
			name: "TruncatedArchive",
			fetch: func(client *mocks.Client) {
				client.On("FetchArchive", mock.Anything, testRepo).
					Return(serveArchive(gen2[:len(gen2)/2]), nil)
			},
			expKind: errors.ArchiveCorrupt,
		},
		{
			name: "NotFound",
			fetch: func(client *mocks.Client) {
				client.On("FetchArchive", mock.Anything, testRepo).
					Return(nil, errors.E(errors.NotFound, "fetch", errors.New("404")))
			},
			expKind: errors.NotFound,
		},
		{
			name: "Unreachable",
			fetch: func(client *mocks.Client) {
				client.On("FetchArchive", mock.Anything, testRepo).
					Return(nil, errors.New("connection refused"))
			},
			expKind: errors.RemoteUnavailable,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.remote.On("FetchArchive", mock.Anything, testRepo).
				Return(serveArchive(makeArchive(t, gen1)), nil).Once()
			require.NoError(t, env.coordinator.Refresh(context.Background()).Err)

			env.clock.Advance(time.Hour)
			test.fetch(env.remote)
			result := env.coordinator.Refresh(context.Background())
			assert.False(t, result.Success)
			assert.False(t, result.PostSwap)
			assert.Equal(t, test.expKind, errors.KindOf(result.Err))

			assert.Equal(t, gen1, readMirror(t, env.mirror))
			assert.Equal(t, StateSynced, env.coordinator.State())
			lastSync, _ := env.coordinator.LastSync()
			assert.Equal(t, t1, lastSync)
		})
	}
}

func TestRefreshFailureFromEmpty(t *testing.T) {
	env := newTestEnv(t, nil)
	env.remote.On("FetchArchive", mock.Anything, testRepo).
		Return(nil, errors.E(errors.NotFound, "fetch", errors.New("404")))

	result := env.coordinator.Refresh(context.Background())
	assert.Error(t, result.Err)
	assert.Equal(t, StateEmpty, env.coordinator.State())
	assert.False(t, env.mirror.Exists())

	_, ok := env.coordinator.LastSync()
	assert.False(t, ok)
}

type failingTimestampStore struct {
	MemoryTimestampStore
}

func (s *failingTimestampStore) Save(time.Time) error {
	return errors.E(errors.FilesystemError, "write timestamp", errors.New("disk full"))
}

func TestRefreshPostSwapFailure(t *testing.T) {
	env := newTestEnv(t, &failingTimestampStore{})
	files := map[string]string{"a.txt": "a"}
	env.remote.On("FetchArchive", mock.Anything, testRepo).
		Return(serveArchive(makeArchive(t, files)), nil)

	result := env.coordinator.Refresh(context.Background())
	assert.False(t, result.Success)
	assert.True(t, result.PostSwap)
	assert.Equal(t, errors.FilesystemError, errors.KindOf(result.Err))

	// The new mirror is live, but without a timestamp the next check
	// refreshes again.
	assert.Equal(t, files, readMirror(t, env.mirror))
	updateAvailable, err := env.coordinator.IsUpdateAvailable(context.Background())
	assert.NoError(t, err)
	assert.True(t, updateAvailable)
}

// failingSwapFs fails to rename anything onto `root`.
type failingSwapFs struct {
	*afero.OsFs
	root string
}

func (fs failingSwapFs) Rename(oldname, newname string) error {
	if newname == fs.root {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: syscall.EIO}
	}
	return fs.OsFs.Rename(oldname, newname)
}

func TestRefreshSwapFailureKeepsPreviousMirror(t *testing.T) {
	env := newTestEnv(t, nil)
	old := map[string]string{"a.txt": "old"}
	env.remote.On("FetchArchive", mock.Anything, testRepo).
		Return(serveArchive(makeArchive(t, old)), nil).Once()
	require.True(t, env.coordinator.Refresh(context.Background()).Success)

	fs := failingSwapFs{OsFs: &afero.OsFs{}, root: env.mirror.Root()}
	coordinator, err := New(mirror.New(fs, env.mirror.DataDir()), env.remote, testRepo,
		env.timestamps, Options{Clock: env.clock})
	require.NoError(t, err)

	env.remote.On("FetchArchive", mock.Anything, testRepo).
		Return(serveArchive(makeArchive(t, map[string]string{"a.txt": "new"})), nil)
	result := coordinator.Refresh(context.Background())
	assert.False(t, result.Success)
	assert.False(t, result.PostSwap)
	assert.Equal(t, errors.FilesystemError, errors.KindOf(result.Err))

	assert.Equal(t, old, readMirror(t, env.mirror))
	assert.Equal(t, StateSynced, coordinator.State())
}

func TestTimestampNeverMovesBackwards(t *testing.T) {
	env := newTestEnv(t, nil)
	env.remote.On("FetchArchive", mock.Anything, testRepo).
		Return(serveArchive(makeArchive(t, map[string]string{"a.txt": "a"})), nil)
	require.NoError(t, env.coordinator.Refresh(context.Background()).Err)

	// Simulate a previous sync recorded by a clock that was ahead.
	future := t1.Add(time.Hour)
	env.coordinator.lastSync = future

	result := env.coordinator.Refresh(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, future, result.Timestamp)

	stored, ok, err := env.timestamps.Load()
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, future, stored)
}

func TestConcurrentReadersSeeCompleteMirrors(t *testing.T) {
	env := newTestEnv(t, nil)

	payloadA := strings.Repeat("A", 64*1024)
	payloadB := strings.Repeat("B", 64*1024)
	archives := [][]byte{
		makeArchive(t, map[string]string{"payload.txt": payloadA}),
		makeArchive(t, map[string]string{"payload.txt": payloadB}),
	}

	var generation int32
	env.remote.On("FetchArchive", mock.Anything, testRepo).Return(
		func(context.Context, remote.Descriptor) io.ReadCloser {
			gen := atomic.AddInt32(&generation, 1)
			return ioutil.NopCloser(bytes.NewReader(archives[gen%2]))
		}, nil)
	require.NoError(t, env.coordinator.Refresh(context.Background()).Err)

	done := make(chan struct{})
	var reads, failures int32
	var wg goSync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}

				contents, ok, err := env.mirror.ReadFile("payload.txt")
				atomic.AddInt32(&reads, 1)
				if err != nil || !ok || (string(contents) != payloadA && string(contents) != payloadB) {
					atomic.AddInt32(&failures, 1)
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		env.clock.Advance(time.Minute)
		require.NoError(t, env.coordinator.Refresh(context.Background()).Err)
	}
	close(done)
	wg.Wait()

	assert.NotZero(t, atomic.LoadInt32(&reads))
	assert.Zero(t, atomic.LoadInt32(&failures))
}

func TestRefreshWaitsForLock(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.coordinator.syncLock.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result := env.coordinator.Refresh(ctx)
	assert.False(t, result.Success)
	assert.True(t, errors.Is(result.Err, context.DeadlineExceeded))
	env.remote.AssertNotCalled(t, "FetchArchive", mock.Anything, mock.Anything)

	env.coordinator.syncLock.release()
}

func TestClear(t *testing.T) {
	env := newTestEnv(t, nil)
	env.remote.On("FetchArchive", mock.Anything, testRepo).
		Return(serveArchive(makeArchive(t, map[string]string{"a.txt": "a"})), nil)
	require.NoError(t, env.coordinator.Refresh(context.Background()).Err)

	require.NoError(t, env.coordinator.Clear(context.Background()))
	assert.Equal(t, StateEmpty, env.coordinator.State())
	assert.False(t, env.mirror.Exists())
	assert.Empty(t, readMirror(t, env.mirror))

	_, ok := env.coordinator.LastSync()
	assert.False(t, ok)
	_, ok, err := env.timestamps.Load()
	assert.NoError(t, err)
	assert.False(t, ok)

	updateAvailable, err := env.coordinator.IsUpdateAvailable(context.Background())
	assert.NoError(t, err)
	assert.True(t, updateAvailable)
}

func TestNewDiscardsTimestampWithoutMirror(t *testing.T) {
	fs := afero.NewOsFs()
	dataDir := t.TempDir()
	m := mirror.New(fs, dataDir)
	timestamps := NewFileTimestampStore(fs, m.MetadataDir())
	require.NoError(t, timestamps.Save(t1))

	c, err := New(m, new(mocks.Client), testRepo, timestamps, Options{})
	require.NoError(t, err)

	_, ok := c.LastSync()
	assert.False(t, ok)
	_, ok, err = timestamps.Load()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRestoresPersistedTimestamp(t *testing.T) {
	fs := afero.NewOsFs()
	dataDir := t.TempDir()
	m := mirror.New(fs, dataDir)
	timestamps := NewFileTimestampStore(fs, m.MetadataDir())

	client := new(mocks.Client)
	client.On("FetchArchive", mock.Anything, testRepo).
		Return(serveArchive(makeArchive(t, map[string]string{"a.txt": "a"})), nil)

	clock := clockwork.NewFakeClockAt(t1)
	first, err := New(m, client, testRepo, timestamps, Options{Clock: clock})
	require.NoError(t, err)
	require.NoError(t, first.Refresh(context.Background()).Err)

	// A restarted process picks up where the previous one left off.
	second, err := New(mirror.New(fs, dataDir), client, testRepo, timestamps,
		Options{Clock: clock, Debounce: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, StateSynced, second.State())

	lastSync, ok := second.LastSync()
	assert.True(t, ok)
	assert.Equal(t, t1, lastSync)

	updateAvailable, err := second.IsUpdateAvailable(context.Background())
	assert.NoError(t, err)
	assert.False(t, updateAvailable)
}
