package archive

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/sealkeeper/internal/blobstore"
	"github.com/dmitrijs2005/sealkeeper/internal/bundle"
	"github.com/dmitrijs2005/sealkeeper/internal/cryptox"
	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
	"github.com/dmitrijs2005/sealkeeper/internal/wrap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

type testUser struct {
	user *models.User
	priv *[32]byte
	pub  *[32]byte
}

type testEnv struct {
	t        *testing.T
	db       *memDB
	tx       *fakeTransactor
	repos    *fakeRepos
	files    *blobstore.MemoryStore
	bundles  *blobstore.MemoryStore
	fileView *blobstore.EncryptedStore
	users    []*testUser
	clock    time.Time
	clockMu  sync.Mutex
	manager  *Manager
}

func (e *testEnv) now() time.Time {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	return e.clock
}

func (e *testEnv) advance(d time.Duration) {
	e.clockMu.Lock()
	e.clock = e.clock.Add(d)
	e.clockMu.Unlock()
}

func newTestEnv(t *testing.T, nUsers int) *testEnv {
	t.Helper()
	env := &testEnv{t: t, clock: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	env.db = newMemDB(env.now)
	env.tx = &fakeTransactor{db: env.db}
	env.repos = &fakeRepos{db: env.db}
	env.files = blobstore.NewMemoryStore()
	env.bundles = blobstore.NewMemoryStore()

	kr, err := cryptox.NewKeyring([]*cryptox.Key{{ID: "k1", Secret: bytes.Repeat([]byte{7}, cryptox.KeySize)}}, "k1", false)
	require.NoError(t, err)
	env.fileView = blobstore.NewEncryptedStore(env.files, kr)

	for i := 0; i < nUsers; i++ {
		env.addUser(fmt.Sprintf("archiver%d", i), true)
	}

	env.manager = NewManager(Options{
		Transactor: env.tx,
		Repos:      env.repos,
		Bundles:    env.bundles,
		Files:      env.fileView,
		Codec:      bundle.NewTarBundle(env.fileView),
		Wrapper:    wrap.NewMulti(),
		Policy:     &MembersAndArchivers{Repos: env.repos, IncludeMembers: true},
		Threshold:  2,
		ChunkSize:  64,
		Now:        env.now,
	})
	return env
}

func (e *testEnv) addUser(name string, archiver bool) *testUser {
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(e.t, err)
	u := &models.User{ID: fmt.Sprintf("u-%s", name), UserName: name, IsGlobalArchiver: archiver}
	e.db.users[u.ID] = u
	e.db.publicKeys = append(e.db.publicKeys, &models.UserPublicKey{
		ID: "pk-" + name, UserID: u.ID, KeyType: models.KeyTypeX25519, PublicKey: pub[:],
	})
	tu := &testUser{user: u, priv: priv, pub: pub}
	e.users = append(e.users, tu)
	return tu
}

func (e *testEnv) addProject(id string, fileContents ...string) *models.Project {
	ctx := context.Background()
	p := &models.Project{
		ID:        id,
		Name:      "project " + id,
		Tags:      []string{"tag"},
		Data:      []byte(`{"secret":"findings of ` + id + `"}`),
		CreatedAt: e.now(),
	}
	for i, c := range fileContents {
		name := fmt.Sprintf("files/%s-%d", id, i)
		require.NoError(e.t, e.fileView.Save(ctx, name, strings.NewReader(c)))
		p.Files = append(p.Files, &models.ProjectFile{
			ID: fmt.Sprintf("%s-f%d", id, i), ProjectID: id, Name: fmt.Sprintf("file%d.txt", i), StorageName: name,
		})
	}
	e.db.projects[id] = cloneProject(p)
	return p
}

// shareOf unwraps the share of user u the way a client would.
func (e *testEnv) shareOf(archiveID string, u *testUser) (string, []byte) {
	e.t.Helper()
	e.db.mu.Lock()
	defer e.db.mu.Unlock()

	for _, kp := range e.db.keyParts {
		if kp.ArchivedProjectID != archiveID || kp.UserID != u.user.ID {
			continue
		}
		for _, w := range e.db.wrapped {
			if w.KeyPartID != kp.ID {
				continue
			}
			share, ok := box.OpenAnonymous(nil, w.EncryptedData, u.pub, u.priv)
			require.True(e.t, ok)
			return kp.ID, share
		}
	}
	e.t.Fatalf("no key part for %s in %s", u.user.ID, archiveID)
	return "", nil
}

func (e *testEnv) countProjectsNamed(name string) int {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	n := 0
	for _, p := range e.db.projects {
		if p.Name == name {
			n++
		}
	}
	return n
}

func (e *testEnv) archiveCount() int {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	return len(e.db.archives)
}

func TestCreateArchive_PersistsArchiveAndRemovesProject(t *testing.T) {
	env := newTestEnv(t, 3)
	// A second device key for the first user.
	pub2, _, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	env.db.publicKeys = append(env.db.publicKeys, &models.UserPublicKey{
		ID: "pk-extra", UserID: env.users[0].user.ID, KeyType: models.KeyTypeX25519, PublicKey: pub2[:],
	})
	p := env.addProject("p1", "hello file", "second file")

	a, err := env.manager.CreateArchive(context.Background(), "p1", 2)
	require.NoError(t, err)

	assert.Equal(t, p.Name, a.Name)
	assert.Equal(t, 2, a.Threshold)
	assert.True(t, strings.HasPrefix(a.KeyID, "archive-"))
	assert.Equal(t, 1, env.archiveCount())
	assert.Len(t, env.db.keyParts, 3)
	assert.Len(t, env.db.wrapped, 4)
	_, stillThere := env.db.projects["p1"]
	assert.False(t, stillThere)

	for _, kp := range env.db.keyParts {
		assert.False(t, kp.IsDecrypted())
		assert.Len(t, kp.Share, archiveKeySize+1)
	}

	// File blobs are gone, the bundle is sealed.
	assert.Empty(t, env.files.Names())
	raw, ok := env.bundles.Bytes(a.StorageName)
	require.True(t, ok)
	assert.True(t, bytes.HasPrefix(raw, cryptox.Magic))
	id, _, err := cryptox.PeekKeyID(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, a.KeyID, id)
}

func TestCreateArchive_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("threshold out of range", func(t *testing.T) {
		env := newTestEnv(t, 3)
		env.addProject("p1")
		for _, m := range []int{0, -1, 256} {
			_, err := env.manager.CreateArchive(ctx, "p1", m)
			assert.ErrorIs(t, err, ErrThresholdUnreachable)
		}
	})

	t.Run("insufficient eligible users", func(t *testing.T) {
		env := newTestEnv(t, 3)
		env.addProject("p1", "content")
		// Users without public keys do not count.
		env.db.users["u-nokey"] = &models.User{ID: "u-nokey", IsGlobalArchiver: true}

		_, err := env.manager.CreateArchive(ctx, "p1", 4)
		assert.ErrorIs(t, err, ErrInsufficientEligibleUsers)

		assert.Contains(t, env.db.projects, "p1")
		assert.Equal(t, 0, env.archiveCount())
		assert.Empty(t, env.bundles.Names())
		assert.Len(t, env.files.Names(), 1)
	})

	t.Run("project not found", func(t *testing.T) {
		env := newTestEnv(t, 3)
		_, err := env.manager.CreateArchive(ctx, "ghost", 2)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("wrap failure rolls back", func(t *testing.T) {
		env := newTestEnv(t, 3)
		env.addProject("p1", "content")
		env.db.publicKeys = append(env.db.publicKeys, &models.UserPublicKey{
			ID: "pk-bad", UserID: env.users[2].user.ID, KeyType: "pgp", PublicKey: []byte("x"),
		})

		_, err := env.manager.CreateArchive(ctx, "p1", 2)
		assert.ErrorIs(t, err, wrap.ErrUnsupportedKeyType)

		assert.Contains(t, env.db.projects, "p1")
		assert.Equal(t, 0, env.archiveCount())
		assert.Empty(t, env.db.keyParts)
		assert.Empty(t, env.db.wrapped)
		assert.Empty(t, env.bundles.Names(), "bundle removed after rollback")
		assert.Len(t, env.files.Names(), 1, "files kept after rollback")
	})

	t.Run("commit failure", func(t *testing.T) {
		env := newTestEnv(t, 3)
		env.addProject("p1", "content")
		env.tx.failCommit = errors.New("commit failed")

		_, err := env.manager.CreateArchive(ctx, "p1", 2)
		require.Error(t, err)
		assert.Contains(t, env.db.projects, "p1")
		assert.Empty(t, env.bundles.Names())
		assert.Len(t, env.files.Names(), 1)
	})
}

func TestCreateArchive_KeepsSharedFileBlobs(t *testing.T) {
	env := newTestEnv(t, 2)
	env.addProject("p1", "shared")
	other := env.addProject("p2")
	other.Files = []*models.ProjectFile{{ID: "p2-f0", ProjectID: "p2", Name: "copy", StorageName: "files/p1-0"}}
	env.db.projects["p2"] = cloneProject(other)

	_, err := env.manager.CreateArchive(context.Background(), "p1", 1)
	require.NoError(t, err)

	_, ok := env.files.Bytes("files/p1-0")
	assert.True(t, ok, "blob still referenced by p2")
}

func TestRestore_TwoOfThree(t *testing.T) {
	env := newTestEnv(t, 3)
	p := env.addProject("p1", "file one", "file two")
	ctx := context.Background()

	a, err := env.manager.CreateArchive(ctx, "p1", 2)
	require.NoError(t, err)

	kp1, share1 := env.shareOf(a.ID, env.users[0])
	res, err := env.manager.DecryptKeyPart(ctx, kp1, share1)
	require.NoError(t, err)
	assert.Equal(t, StatusKeyPartDecrypted, res.Status)
	assert.Equal(t, 1, res.Decrypted)
	assert.Equal(t, 2, res.Threshold)
	assert.Equal(t, 1, env.archiveCount())
	assert.Equal(t, 0, env.countProjectsNamed(p.Name))
	assert.True(t, env.db.keyParts[kp1].IsDecrypted())

	// Resubmitting the same share does not count twice.
	res, err = env.manager.DecryptKeyPart(ctx, kp1, share1)
	require.NoError(t, err)
	assert.Equal(t, StatusKeyPartDecrypted, res.Status)
	assert.Equal(t, 1, res.Decrypted)

	kp2, share2 := env.shareOf(a.ID, env.users[1])
	res, err = env.manager.DecryptKeyPart(ctx, kp2, share2)
	require.NoError(t, err)
	assert.Equal(t, StatusProjectRestored, res.Status)
	require.NotEmpty(t, res.ProjectID)

	assert.Equal(t, 0, env.archiveCount())
	assert.Empty(t, env.db.keyParts)
	assert.Empty(t, env.db.wrapped)
	_, ok := env.bundles.Bytes(a.StorageName)
	assert.False(t, ok, "bundle deleted")

	restored := env.db.projects[res.ProjectID]
	require.NotNil(t, restored)
	assert.Equal(t, p.Name, restored.Name)
	assert.Equal(t, p.Data, restored.Data)
	assert.False(t, restored.ReadOnly)
	require.Len(t, restored.Files, 2)
	for i, f := range restored.Files {
		rc, err := env.fileView.Open(ctx, f.StorageName)
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		assert.Equal(t, []string{"file one", "file two"}[i], string(got))
	}

	require.Len(t, env.db.restorations, 1)
	assert.Len(t, env.db.restorations[0].keyPartIDs, 3)

	// A late submission reports the existing restore.
	res, err = env.manager.DecryptKeyPart(ctx, kp1, share1)
	require.NoError(t, err)
	assert.Equal(t, StatusProjectRestored, res.Status)
	assert.Equal(t, restored.ID, res.ProjectID)
	assert.Equal(t, 1, env.countProjectsNamed(p.Name))
}

func TestDecryptKeyPart_MalformedShareLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t, 3)
	env.addProject("p1")
	ctx := context.Background()

	a, err := env.manager.CreateArchive(ctx, "p1", 2)
	require.NoError(t, err)
	kp1, share1 := env.shareOf(a.ID, env.users[0])
	_, share2 := env.shareOf(a.ID, env.users[1])

	bad := [][]byte{
		nil,
		[]byte("garbage"),
		append(bytes.Repeat([]byte{1}, archiveKeySize), 0), // x = 0
		share2, // well formed, wrong key part
	}
	flipped := append([]byte(nil), share1...)
	flipped[0] ^= 1
	bad = append(bad, flipped)

	for i, s := range bad {
		_, err := env.manager.DecryptKeyPart(ctx, kp1, s)
		assert.ErrorIs(t, err, ErrMalformedShare, "case %d", i)
	}

	kp := env.db.keyParts[kp1]
	assert.False(t, kp.IsDecrypted())
	assert.Nil(t, kp.KeyPart)
}

func TestDecryptKeyPart_UnknownKeyPart(t *testing.T) {
	env := newTestEnv(t, 1)
	_, err := env.manager.DecryptKeyPart(context.Background(), "missing",
		append(bytes.Repeat([]byte{1}, archiveKeySize), 5))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecryptKeyPart_ConcurrentThresholdCrossingRestoresOnce(t *testing.T) {
	env := newTestEnv(t, 6)
	p := env.addProject("p1", "contents")
	ctx := context.Background()

	a, err := env.manager.CreateArchive(ctx, "p1", 3)
	require.NoError(t, err)

	kp, share := env.shareOf(a.ID, env.users[0])
	_, err = env.manager.DecryptKeyPart(ctx, kp, share)
	require.NoError(t, err)
	kp, share = env.shareOf(a.ID, env.users[1])
	_, err = env.manager.DecryptKeyPart(ctx, kp, share)
	require.NoError(t, err)

	type submission struct {
		kp    string
		share []byte
	}
	var subs []submission
	for _, u := range env.users[2:] {
		id, s := env.shareOf(a.ID, u)
		subs = append(subs, submission{id, s})
	}

	results := make([]*DecryptResult, len(subs))
	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, s := range subs {
		wg.Add(1)
		go func(i int, s submission) {
			defer wg.Done()
			<-start
			results[i], errs[i] = env.manager.DecryptKeyPart(ctx, s.kp, s.share)
		}(i, s)
	}
	close(start)
	wg.Wait()

	projectID := ""
	for i := range subs {
		require.NoError(t, errs[i])
		assert.Equal(t, StatusProjectRestored, results[i].Status)
		if projectID == "" {
			projectID = results[i].ProjectID
		}
		assert.Equal(t, projectID, results[i].ProjectID)
	}
	assert.Equal(t, 1, env.countProjectsNamed(p.Name))
	assert.Len(t, env.db.restorations, 1)
	assert.Equal(t, 0, env.archiveCount())
}

func TestDecryptKeyPart_RestoreFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, 2)
	env.addProject("p1", "contents")
	ctx := context.Background()

	a, err := env.manager.CreateArchive(ctx, "p1", 2)
	require.NoError(t, err)

	kp1, share1 := env.shareOf(a.ID, env.users[0])
	_, err = env.manager.DecryptKeyPart(ctx, kp1, share1)
	require.NoError(t, err)

	filesBefore := len(env.files.Names())
	env.tx.failCommit = errors.New("commit failed")
	kp2, share2 := env.shareOf(a.ID, env.users[1])
	_, err = env.manager.DecryptKeyPart(ctx, kp2, share2)
	require.Error(t, err)

	assert.Equal(t, 1, env.archiveCount())
	assert.False(t, env.db.keyParts[kp2].IsDecrypted())
	assert.True(t, env.db.keyParts[kp1].IsDecrypted())
	assert.Len(t, env.files.Names(), filesBefore, "imported file blobs removed")
	_, ok := env.bundles.Bytes(a.StorageName)
	assert.True(t, ok)

	// The retry succeeds.
	res, err := env.manager.DecryptKeyPart(ctx, kp2, share2)
	require.NoError(t, err)
	assert.Equal(t, StatusProjectRestored, res.Status)
}

func TestReapStalePartialRestores(t *testing.T) {
	env := newTestEnv(t, 3)
	env.addProject("p1")
	ctx := context.Background()

	a, err := env.manager.CreateArchive(ctx, "p1", 2)
	require.NoError(t, err)
	kp1, share1 := env.shareOf(a.ID, env.users[0])
	_, err = env.manager.DecryptKeyPart(ctx, kp1, share1)
	require.NoError(t, err)

	env.advance(30 * time.Minute)
	n, err := env.manager.ReapStalePartialRestores(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, env.db.keyParts[kp1].IsDecrypted())

	env.advance(2 * time.Hour)
	n, err = env.manager.ReapStalePartialRestores(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	kp := env.db.keyParts[kp1]
	assert.False(t, kp.IsDecrypted())
	assert.Nil(t, kp.KeyPart)
	assert.Nil(t, kp.DecryptedAt)

	n, err = env.manager.ReapStalePartialRestores(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second run is a no-op")
}

func TestReapStalePartialRestores_FreshSubmissionKeepsArchiveAlive(t *testing.T) {
	env := newTestEnv(t, 4)
	env.addProject("p1")
	ctx := context.Background()

	a, err := env.manager.CreateArchive(ctx, "p1", 3)
	require.NoError(t, err)

	kp1, share1 := env.shareOf(a.ID, env.users[0])
	_, err = env.manager.DecryptKeyPart(ctx, kp1, share1)
	require.NoError(t, err)

	env.advance(50 * time.Minute)
	kp2, share2 := env.shareOf(a.ID, env.users[1])
	_, err = env.manager.DecryptKeyPart(ctx, kp2, share2)
	require.NoError(t, err)

	env.advance(20 * time.Minute)
	n, err := env.manager.ReapStalePartialRestores(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, env.db.keyParts[kp1].IsDecrypted())
	assert.True(t, env.db.keyParts[kp2].IsDecrypted())
}

func TestStale(t *testing.T) {
	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	old := cutoff.Add(-time.Minute)
	fresh := cutoff.Add(time.Minute)
	part := func(at *time.Time) *models.ArchivedProjectKeyPart {
		if at == nil {
			return &models.ArchivedProjectKeyPart{}
		}
		return &models.ArchivedProjectKeyPart{KeyPart: []byte{1}, DecryptedAt: at}
	}

	assert.True(t, stale([]*models.ArchivedProjectKeyPart{part(&old), part(nil)}, 2, cutoff))
	assert.False(t, stale([]*models.ArchivedProjectKeyPart{part(&old), part(&fresh), part(nil)}, 3, cutoff))
	assert.False(t, stale([]*models.ArchivedProjectKeyPart{part(&old), part(&old)}, 2, cutoff), "threshold reached")
	assert.False(t, stale([]*models.ArchivedProjectKeyPart{part(nil)}, 2, cutoff))
}

func TestAutoArchiveIdleProjects(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()

	oldSince := env.now().Add(-40 * 24 * time.Hour)
	recentSince := env.now().Add(-time.Hour)

	idle := env.addProject("idle")
	idle.ReadOnly, idle.ReadOnlySince = true, &oldSince
	env.db.projects["idle"] = cloneProject(idle)

	recent := env.addProject("recent")
	recent.ReadOnly, recent.ReadOnlySince = true, &recentSince
	env.db.projects["recent"] = cloneProject(recent)

	env.addProject("active")

	n, err := env.manager.AutoArchiveIdleProjects(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotContains(t, env.db.projects, "idle")
	assert.Contains(t, env.db.projects, "recent")
	assert.Contains(t, env.db.projects, "active")
	assert.Equal(t, 1, env.archiveCount())
}

func TestAutoArchiveIdleProjects_SkipsWhenNotEnoughUsers(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	since := env.now().Add(-40 * 24 * time.Hour)
	p := env.addProject("idle")
	p.ReadOnly, p.ReadOnlySince = true, &since
	env.db.projects["idle"] = cloneProject(p)

	n, err := env.manager.AutoArchiveIdleProjects(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Contains(t, env.db.projects, "idle")
}

func TestDeleteExpiredArchives(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	env.addProject("old")
	oldArchive, err := env.manager.CreateArchive(ctx, "old", 1)
	require.NoError(t, err)

	env.advance(10 * 24 * time.Hour)
	env.addProject("new")
	newArchive, err := env.manager.CreateArchive(ctx, "new", 1)
	require.NoError(t, err)

	env.advance(time.Hour)
	n, err := env.manager.DeleteExpiredArchives(ctx, 5*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NotContains(t, env.db.archives, oldArchive.ID)
	assert.Contains(t, env.db.archives, newArchive.ID)
	_, ok := env.bundles.Bytes(oldArchive.StorageName)
	assert.False(t, ok)
	_, ok = env.bundles.Bytes(newArchive.StorageName)
	assert.True(t, ok)
	for _, kp := range env.db.keyParts {
		assert.Equal(t, newArchive.ID, kp.ArchivedProjectID)
	}
}
