package sync

import (
	"context"
	goSync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/sidkik/docmirror/pkg/errors"
	"github.com/sidkik/docmirror/pkg/metrics"
	"github.com/sidkik/docmirror/pkg/mirror"
	"github.com/sidkik/docmirror/pkg/remote"
)

const (
	// DefaultDebounce is how old the last sync must be before the remote is
	// polled again.
	DefaultDebounce = time.Minute

	// DefaultFetchTimeout bounds each remote call.
	DefaultFetchTimeout = 2 * time.Minute

	stagePreSwap  = "pre-swap"
	stagePostSwap = "post-swap"
)

// State describes the mirror's lifecycle.
type State int

const (
	// StateEmpty means no mirror has been published.
	StateEmpty State = iota

	// StateSyncing means a refresh is in progress. The previous mirror, if
	// any, is still readable.
	StateSyncing

	// StateSynced means a complete mirror is published and no refresh is
	// running.
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateSyncing:
		return "Syncing"
	case StateSynced:
		return "Synced"
	default:
		return "Empty"
	}
}

// Result is the outcome of a refresh.
type Result struct {
	Success   bool
	Timestamp time.Time
	Err       error

	// Attempt identifies the refresh in logs.
	Attempt  string
	Duration time.Duration

	// PostSwap is set when the refresh failed after the reader visible
	// mirror was modified. Readers may then see the new mirror, or none.
	PostSwap bool

	BytesFetched int64
}

// Options configures a Coordinator.
type Options struct {
	// Debounce is the minimum age of the last sync before the remote is
	// polled. Zero disables debouncing.
	Debounce time.Duration

	// FetchTimeout bounds each remote call. Defaults to DefaultFetchTimeout.
	FetchTimeout time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Coordinator decides when the mirror is stale and replaces it. Refreshes
// and clears are serialized. Readers go straight to the Mirror and never
// wait on the Coordinator.
type Coordinator struct {
	mirror     *mirror.Mirror
	remote     remote.Client
	repo       remote.Descriptor
	timestamps TimestampStore

	clock        clockwork.Clock
	debounce     time.Duration
	fetchTimeout time.Duration

	syncLock lock
	checks   singleflight.Group

	stateLock goSync.Mutex
	state     State
	lastSync  time.Time
	hasSynced bool
}

// New creates a Coordinator. A timestamp recorded for a mirror that no longer
// exists is discarded, so the first check triggers a refresh.
func New(m *mirror.Mirror, client remote.Client, repo remote.Descriptor,
	timestamps TimestampStore, opts Options) (*Coordinator, error) {

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}

	c := &Coordinator{
		mirror:       m,
		remote:       client,
		repo:         repo,
		timestamps:   timestamps,
		clock:        opts.Clock,
		debounce:     opts.Debounce,
		fetchTimeout: opts.FetchTimeout,
		syncLock:     newLock(),
	}

	ts, ok, err := timestamps.Load()
	if err != nil {
		return nil, errors.WithContext(err, "load sync timestamp")
	}

	exists := m.Exists()
	if ok && !exists {
		log.WithField("lastSync", ts).Info(
			"Ignoring recorded sync timestamp because the mirror is missing")
		if err := timestamps.Reset(); err != nil {
			return nil, errors.WithContext(err, "reset sync timestamp")
		}
		ok = false
	}

	if exists {
		c.state = StateSynced
	}
	c.lastSync, c.hasSynced = ts, ok
	return c, nil
}

// Mirror returns the mirror managed by the coordinator.
func (c *Coordinator) Mirror() *mirror.Mirror {
	return c.mirror
}

// Repository returns the descriptor of the mirrored repository.
func (c *Coordinator) Repository() remote.Descriptor {
	return c.repo
}

// LastSync returns the time of the last successful refresh. The boolean is
// false if there hasn't been one.
func (c *Coordinator) LastSync() (time.Time, bool) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.lastSync, c.hasSynced
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

func (c *Coordinator) setState(state State) {
	c.stateLock.Lock()
	c.state = state
	c.stateLock.Unlock()
}

// IsUpdateAvailable returns whether the remote has changed since the last
// successful refresh. The remote isn't contacted if there hasn't been a
// refresh, or if the last one is younger than the debounce window. Concurrent
// callers share a single remote query.
func (c *Coordinator) IsUpdateAvailable(ctx context.Context) (bool, error) {
	lastSync, ok := c.LastSync()
	if !ok {
		log.Debug("No recorded sync. Update required")
		metrics.RecordRemoteCheck(metrics.ResultSkipped)
		return true, nil
	}

	if age := c.clock.Since(lastSync); age < c.debounce {
		log.WithField("age", age).Debug("Last sync is too recent to check the remote")
		metrics.RecordRemoteCheck(metrics.ResultSkipped)
		return false, nil
	}

	// The shared query isn't tied to any one caller, so that a caller giving
	// up doesn't fail the others.
	query := c.checks.DoChan("last-modified", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
		defer cancel()

		modified, err := c.remote.LastModified(ctx, c.repo)
		if err != nil {
			return nil, classifyRemoteError(err)
		}
		return modified, nil
	})

	var res singleflight.Result
	select {
	case res = <-query:
	case <-ctx.Done():
		res.Err = classifyRemoteError(ctx.Err())
	}
	if res.Err != nil {
		metrics.RecordRemoteCheck(metrics.ResultFailure)
		return false, errors.WithContext(res.Err, "get remote modification time")
	}
	metrics.RecordRemoteCheck(metrics.ResultSuccess)

	remoteTime := res.Val.(time.Time)
	log.WithFields(log.Fields{
		"remote":   remoteTime,
		"lastSync": lastSync,
	}).Debug("Compared remote modification time")
	return remoteTime.After(lastSync), nil
}

// Refresh downloads the remote repository and replaces the mirror with it.
// If any step before the swap fails, the previous mirror stays visible
// unchanged. The sync timestamp is only recorded after a successful swap.
func (c *Coordinator) Refresh(ctx context.Context) Result {
	result := Result{Attempt: uuid.New().String()}
	start := c.clock.Now()

	err := withLock(ctx, c.syncLock, func() {
		c.setState(StateSyncing)
		c.refreshLocked(ctx, &result)

		// A failed refresh leaves whatever mirror was published before.
		if c.mirror.Exists() {
			c.setState(StateSynced)
		} else {
			c.setState(StateEmpty)
		}
	})
	if err != nil {
		result.Err = errors.WithContext(err, "acquire sync lock")
	}
	result.Duration = c.clock.Since(start)

	stage := ""
	if !result.Success {
		stage = stagePreSwap
		if result.PostSwap {
			stage = stagePostSwap
		}
	}
	metrics.RecordSync(result.Success, stage, result.Duration, result.Timestamp)
	metrics.RecordBytesFetched(result.BytesFetched)
	return result
}

func (c *Coordinator) refreshLocked(ctx context.Context, result *Result) {
	logger := log.WithFields(log.Fields{
		"attempt":    result.Attempt,
		"repository": c.repo.String(),
	})

	fail := func(err error, postSwap bool) {
		stage := stagePreSwap
		if postSwap {
			stage = stagePostSwap
		}
		result.Err = err
		result.PostSwap = postSwap
		logger.WithError(err).WithFields(log.Fields{
			"stage": stage,
			"kind":  errors.KindOf(err),
		}).Error("Failed to refresh mirror")
	}

	logger.Info("Refreshing mirror")
	if err := c.mirror.PrepareStaging(); err != nil {
		fail(errors.WithContext(err, "prepare staging"), false)
		return
	}

	n, err := c.download(ctx)
	result.BytesFetched = n
	if err != nil {
		fail(errors.WithContext(err, "download"), false)
		return
	}
	logger.WithField("bytes", n).Debug("Downloaded archive")

	root, err := c.mirror.Extract(c.mirror.StagingArchivePath(), c.mirror.StagingExtractDir())
	if err != nil {
		fail(errors.WithContext(err, "extract"), false)
		return
	}

	if err := c.mirror.Replace(root); err != nil {
		fail(errors.WithContext(err, "replace mirror"), mirror.IsSwapFailure(err))
		return
	}

	prev, hasPrev := c.LastSync()
	ts := c.clock.Now().UTC()
	if hasPrev && ts.Before(prev) {
		logger.WithFields(log.Fields{
			"now":      ts,
			"lastSync": prev,
		}).Warn("Clock moved backwards. Keeping the previous sync timestamp")
		ts = prev
	}

	if err := c.timestamps.Save(ts); err != nil {
		fail(errors.WithContext(err, "record sync timestamp"), true)
		return
	}

	c.stateLock.Lock()
	c.lastSync, c.hasSynced = ts, true
	c.stateLock.Unlock()

	if err := c.mirror.ClearStaging(); err != nil {
		logger.WithError(err).Warn("Failed to clean up staging area")
	}

	result.Success = true
	result.Timestamp = ts
	logger.WithField("timestamp", ts).Info("Mirror refreshed")
}

func (c *Coordinator) download(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	rc, err := c.remote.FetchArchive(ctx, c.repo)
	if err != nil {
		return 0, classifyRemoteError(err)
	}
	defer rc.Close()

	return c.mirror.WriteArchive(rc)
}

// Clear removes the mirror and forgets the last sync, so the next check
// triggers a refresh.
func (c *Coordinator) Clear(ctx context.Context) error {
	var clearErr error
	err := withLock(ctx, c.syncLock, func() {
		if err := c.mirror.Clear(); err != nil {
			clearErr = errors.WithContext(err, "clear mirror")
			return
		}

		if err := c.timestamps.Reset(); err != nil {
			clearErr = errors.WithContext(err, "reset sync timestamp")
			return
		}

		c.stateLock.Lock()
		c.state = StateEmpty
		c.lastSync, c.hasSynced = time.Time{}, false
		c.stateLock.Unlock()
	})
	if err != nil {
		return errors.WithContext(err, "acquire sync lock")
	}
	return clearErr
}

// classifyRemoteError marks errors that the remote client didn't classify,
// such as context expiry, as RemoteUnavailable.
func classifyRemoteError(err error) error {
	if errors.KindOf(err) != errors.Unknown {
		return err
	}
	return errors.E(errors.RemoteUnavailable, "", err)
}
