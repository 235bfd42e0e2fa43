package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/sealkeeper/internal/blobstore"
	"github.com/dmitrijs2005/sealkeeper/internal/logging"
	"github.com/dmitrijs2005/sealkeeper/internal/rotation"
	"github.com/dmitrijs2005/sealkeeper/internal/scheduler"
	"github.com/dmitrijs2005/sealkeeper/internal/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMaintainer struct {
	reapTimeout  time.Duration
	archiveAfter time.Duration
	deleteAfter  time.Duration
	reapErr      error
}

func (f *fakeMaintainer) ReapStalePartialRestores(_ context.Context, timeout time.Duration) (int, error) {
	f.reapTimeout = timeout
	return 2, f.reapErr
}

func (f *fakeMaintainer) AutoArchiveIdleProjects(_ context.Context, after time.Duration) (int, error) {
	f.archiveAfter = after
	return 0, nil
}

func (f *fakeMaintainer) DeleteExpiredArchives(_ context.Context, after time.Duration) (int, error) {
	f.deleteAfter = after
	return 0, nil
}

type fakeRotator struct{ runs int }

func (f *fakeRotator) Run(context.Context) (rotation.Report, error) {
	f.runs++
	return rotation.Report{}, nil
}

func taskIDs(tasks []scheduler.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func TestTasks_DefaultsOnlyReaper(t *testing.T) {
	var c config.Config
	c.LoadDefaults()

	tasks := Tasks(&c, &fakeMaintainer{}, &fakeRotator{}, logging.NewNopLogger())
	assert.Equal(t, []string{TaskReaper}, taskIDs(tasks))
	assert.Equal(t, time.Hour, tasks[0].Interval)
}

func TestTasks_AllEnabled(t *testing.T) {
	var c config.Config
	c.LoadDefaults()
	c.AutoArchiveAfter = 30 * 24 * time.Hour
	c.AutoDeleteArchiveAfter = 365 * 24 * time.Hour
	c.RotationInterval = 24 * time.Hour

	m := &fakeMaintainer{}
	r := &fakeRotator{}
	s := scheduler.New(scheduler.Options{MaxAttempts: 1})
	for _, task := range Tasks(&c, m, r, logging.NewNopLogger()) {
		require.NoError(t, s.Register(task))
	}
	assert.ElementsMatch(t, []string{TaskReaper, TaskAutoArchive, TaskAutoDelete, TaskRotation}, s.Tasks())

	ctx := context.Background()
	for _, id := range s.Tasks() {
		require.NoError(t, s.RunOnce(ctx, id))
	}
	assert.Equal(t, c.StaleRestoreTimeout, m.reapTimeout)
	assert.Equal(t, c.AutoArchiveAfter, m.archiveAfter)
	assert.Equal(t, c.AutoDeleteArchiveAfter, m.deleteAfter)
	assert.Equal(t, 1, r.runs)
}

func TestTasks_RotationNeedsRotator(t *testing.T) {
	var c config.Config
	c.LoadDefaults()
	c.RotationInterval = time.Hour

	assert.NotContains(t, taskIDs(Tasks(&c, &fakeMaintainer{}, nil, logging.NewNopLogger())), TaskRotation)
}

func TestTasks_ReaperErrorPropagates(t *testing.T) {
	var c config.Config
	c.LoadDefaults()

	boom := errors.New("db down")
	tasks := Tasks(&c, &fakeMaintainer{reapErr: boom}, nil, logging.NewNopLogger())
	assert.ErrorIs(t, tasks[0].Run(context.Background()), boom)
}

func TestNewBlobStore(t *testing.T) {
	ctx := context.Background()
	var c config.Config
	c.LoadDefaults()

	c.BlobBackend = "memory"
	s, err := NewBlobStore(ctx, &c)
	require.NoError(t, err)
	assert.IsType(t, &blobstore.MemoryStore{}, s)

	c.BlobBackend = "fs"
	c.BlobRoot = t.TempDir()
	s, err = NewBlobStore(ctx, &c)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "files/a", strings.NewReader("x")))

	c.BlobBackend = "tape"
	_, err = NewBlobStore(ctx, &c)
	assert.Error(t, err)
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	var c config.Config
	c.LoadDefaults()
	c.ArchivingThreshold = 0

	_, err := Open(context.Background(), &c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")

	c.ArchivingThreshold = 2
	c.EncryptionKeys = "[not json"
	_, err = Open(context.Background(), &c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keyring")
}

func TestOpsRouter(t *testing.T) {
	srv := httptest.NewServer(NewOpsRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
