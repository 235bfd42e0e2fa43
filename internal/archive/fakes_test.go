package archive

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/sealkeeper/internal/common"
	"github.com/dmitrijs2005/sealkeeper/internal/dbx"
	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/archives"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/keyparts"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/projects"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/records"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/users"
	"github.com/google/uuid"
)

// memDB is an in-memory stand-in for the database. Writes are applied
// immediately and undone on rollback; GetForUpdate takes a per-archive lock
// held until the transaction ends.
type memDB struct {
	mu sync.Mutex

	users        map[string]*models.User
	publicKeys   []*models.UserPublicKey
	projects     map[string]*models.Project
	archives     map[string]*models.ArchivedProject
	keyParts     map[string]*models.ArchivedProjectKeyPart
	wrapped      []*models.PublicKeyEncryptedKeyPart
	restorations []restorationRow

	rowLocks map[string]*sync.Mutex
	now      func() time.Time
}

type restorationRow struct {
	rs         models.ArchiveRestoration
	keyPartIDs []string
}

func newMemDB(now func() time.Time) *memDB {
	return &memDB{
		users:    make(map[string]*models.User),
		projects: make(map[string]*models.Project),
		archives: make(map[string]*models.ArchivedProject),
		keyParts: make(map[string]*models.ArchivedProjectKeyPart),
		rowLocks: make(map[string]*sync.Mutex),
		now:      now,
	}
}

type fakeTx struct {
	dbx.DBTX
	db    *memDB
	undo  []func()
	locks []*sync.Mutex
}

func (tx *fakeTx) onRollback(fn func()) {
	tx.undo = append(tx.undo, fn)
}

func (tx *fakeTx) lock(id string) {
	tx.db.mu.Lock()
	l, ok := tx.db.rowLocks[id]
	if !ok {
		l = &sync.Mutex{}
		tx.db.rowLocks[id] = l
	}
	tx.db.mu.Unlock()

	l.Lock()
	tx.locks = append(tx.locks, l)
}

type fakeTransactor struct {
	db *memDB
	// failCommit makes the next transaction that gets this far fail.
	failCommit error
	txCount    int
	mu         sync.Mutex
}

func (f *fakeTransactor) WithTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	tx := &fakeTx{db: f.db}
	err := fn(ctx, tx)

	f.mu.Lock()
	f.txCount++
	if err == nil && f.failCommit != nil {
		err = f.failCommit
		f.failCommit = nil
	}
	f.mu.Unlock()

	if err != nil {
		f.db.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		f.db.mu.Unlock()
	}
	for _, l := range tx.locks {
		l.Unlock()
	}
	return err
}

type fakeRepos struct {
	db *memDB
}

func (r *fakeRepos) RunMigrations(context.Context, *sql.DB) error { return nil }
func (r *fakeRepos) Users(db dbx.DBTX) users.Repository         { return &fakeUsers{tx: db.(*fakeTx)} }
func (r *fakeRepos) Projects(db dbx.DBTX) projects.Repository   { return &fakeProjects{tx: db.(*fakeTx)} }
func (r *fakeRepos) Archives(db dbx.DBTX) archives.Repository   { return &fakeArchives{tx: db.(*fakeTx)} }
func (r *fakeRepos) KeyParts(db dbx.DBTX) keyparts.Repository   { return &fakeKeyParts{tx: db.(*fakeTx)} }
func (r *fakeRepos) Records(db dbx.DBTX) records.Repository     { return nil }

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneProject(p *models.Project) *models.Project {
	c := *p
	c.Tags = append([]string(nil), p.Tags...)
	c.Members = append([]string(nil), p.Members...)
	c.Data = cloneBytes(p.Data)
	c.Files = nil
	for _, f := range p.Files {
		fc := *f
		c.Files = append(c.Files, &fc)
	}
	return &c
}

func cloneKeyPart(kp *models.ArchivedProjectKeyPart) *models.ArchivedProjectKeyPart {
	c := *kp
	c.Share = cloneBytes(kp.Share)
	c.KeyPart = cloneBytes(kp.KeyPart)
	if kp.DecryptedAt != nil {
		at := *kp.DecryptedAt
		c.DecryptedAt = &at
	}
	return &c
}

// users

type fakeUsers struct{ tx *fakeTx }

func (r *fakeUsers) Create(ctx context.Context, u *models.User) (*models.User, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	c := *u
	db.users[u.ID] = &c
	return u, nil
}

func (r *fakeUsers) AddPublicKey(ctx context.Context, k *models.UserPublicKey) (*models.UserPublicKey, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	c := *k
	db.publicKeys = append(db.publicKeys, &c)
	return k, nil
}

func (r *fakeUsers) ListGlobalArchivers(ctx context.Context) ([]*models.User, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	var result []*models.User
	for _, u := range db.users {
		if u.IsGlobalArchiver {
			c := *u
			result = append(result, &c)
		}
	}
	return result, nil
}

func (r *fakeUsers) ListByIDs(ctx context.Context, ids []string) ([]*models.User, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	var result []*models.User
	for _, id := range ids {
		if u, ok := db.users[id]; ok {
			c := *u
			result = append(result, &c)
		}
	}
	return result, nil
}

func (r *fakeUsers) ListPublicKeys(ctx context.Context, userIDs []string) ([]*models.UserPublicKey, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	want := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		want[id] = true
	}
	var result []*models.UserPublicKey
	for _, k := range db.publicKeys {
		if want[k.UserID] {
			c := *k
			result = append(result, &c)
		}
	}
	return result, nil
}

// projects

type fakeProjects struct{ tx *fakeTx }

func (r *fakeProjects) Create(ctx context.Context, p *models.Project) error {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	for _, f := range p.Files {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.ProjectID = p.ID
	}
	p.UpdatedAt = db.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	id := p.ID
	db.projects[id] = cloneProject(p)
	r.tx.onRollback(func() { delete(db.projects, id) })
	return nil
}

func (r *fakeProjects) Get(ctx context.Context, id string) (*models.Project, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.projects[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return cloneProject(p), nil
}

func (r *fakeProjects) Delete(ctx context.Context, id string) error {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.projects[id]
	if !ok {
		return common.ErrorNotFound
	}
	delete(db.projects, id)
	r.tx.onRollback(func() { db.projects[id] = p })
	return nil
}

func (r *fakeProjects) StorageNameInUse(ctx context.Context, name string) (bool, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, p := range db.projects {
		for _, f := range p.Files {
			if f.StorageName == name {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *fakeProjects) ListMembers(ctx context.Context, projectID string) ([]string, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.projects[projectID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), p.Members...), nil
}

func (r *fakeProjects) ListIdleReadOnly(ctx context.Context, before time.Time) ([]string, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	var ids []string
	for id, p := range db.projects {
		if p.ReadOnly && p.ReadOnlySince != nil && p.ReadOnlySince.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *fakeProjects) SetReadOnly(ctx context.Context, id string, readOnly bool, at time.Time) error {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.projects[id]
	if !ok {
		return common.ErrorNotFound
	}
	prev := cloneProject(p)
	p.ReadOnly = readOnly
	p.ReadOnlySince = nil
	if readOnly {
		p.ReadOnlySince = &at
	}
	r.tx.onRollback(func() { db.projects[id] = prev })
	return nil
}

// archives

type fakeArchives struct{ tx *fakeTx }

func (r *fakeArchives) Create(ctx context.Context, a *models.ArchivedProject) error {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = db.now()
	c := *a
	db.archives[a.ID] = &c
	id := a.ID
	r.tx.onRollback(func() { delete(db.archives, id) })
	return nil
}

func (r *fakeArchives) Get(ctx context.Context, id string) (*models.ArchivedProject, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	a, ok := db.archives[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *a
	return &c, nil
}

func (r *fakeArchives) GetForUpdate(ctx context.Context, id string) (*models.ArchivedProject, error) {
	r.tx.lock(id)
	return r.Get(ctx, id)
}

func (r *fakeArchives) Delete(ctx context.Context, id string) error {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	a, ok := db.archives[id]
	if !ok {
		return common.ErrorNotFound
	}
	delete(db.archives, id)

	removedParts := map[string]*models.ArchivedProjectKeyPart{}
	for kid, kp := range db.keyParts {
		if kp.ArchivedProjectID == id {
			removedParts[kid] = kp
			delete(db.keyParts, kid)
		}
	}
	prevWrapped := db.wrapped
	var kept []*models.PublicKeyEncryptedKeyPart
	for _, w := range db.wrapped {
		if _, gone := removedParts[w.KeyPartID]; !gone {
			kept = append(kept, w)
		}
	}
	db.wrapped = kept

	r.tx.onRollback(func() {
		db.archives[id] = a
		for kid, kp := range removedParts {
			db.keyParts[kid] = kp
		}
		db.wrapped = prevWrapped
	})
	return nil
}

func (r *fakeArchives) ListCreatedBefore(ctx context.Context, before time.Time) ([]*models.ArchivedProject, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	var result []*models.ArchivedProject
	for _, a := range db.archives {
		if a.CreatedAt.Before(before) {
			c := *a
			result = append(result, &c)
		}
	}
	return result, nil
}

func (r *fakeArchives) ListStaleRestores(ctx context.Context, before time.Time) ([]string, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	type agg struct {
		count  int
		latest time.Time
	}
	groups := map[string]*agg{}
	for _, kp := range db.keyParts {
		if kp.DecryptedAt == nil {
			continue
		}
		g, ok := groups[kp.ArchivedProjectID]
		if !ok {
			g = &agg{}
			groups[kp.ArchivedProjectID] = g
		}
		g.count++
		if kp.DecryptedAt.After(g.latest) {
			g.latest = *kp.DecryptedAt
		}
	}
	var ids []string
	for id, g := range groups {
		a, ok := db.archives[id]
		if ok && g.latest.Before(before) && g.count < a.Threshold {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *fakeArchives) RecordRestoration(ctx context.Context, rs *models.ArchiveRestoration, keyPartIDs []string) error {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	rs.RestoredAt = db.now()
	n := len(db.restorations)
	db.restorations = append(db.restorations, restorationRow{rs: *rs, keyPartIDs: append([]string(nil), keyPartIDs...)})
	r.tx.onRollback(func() { db.restorations = db.restorations[:n] })
	return nil
}

func (r *fakeArchives) GetRestorationByKeyPart(ctx context.Context, keyPartID string) (*models.ArchiveRestoration, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, row := range db.restorations {
		for _, id := range row.keyPartIDs {
			if id == keyPartID {
				rs := row.rs
				return &rs, nil
			}
		}
	}
	return nil, common.ErrorNotFound
}

// key parts

type fakeKeyParts struct{ tx *fakeTx }

func (r *fakeKeyParts) Create(ctx context.Context, kp *models.ArchivedProjectKeyPart) error {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if kp.ID == "" {
		kp.ID = uuid.NewString()
	}
	db.keyParts[kp.ID] = cloneKeyPart(kp)
	id := kp.ID
	r.tx.onRollback(func() { delete(db.keyParts, id) })
	return nil
}

func (r *fakeKeyParts) CreateWrapped(ctx context.Context, w *models.PublicKeyEncryptedKeyPart) error {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	c := *w
	c.EncryptedData = cloneBytes(w.EncryptedData)
	n := len(db.wrapped)
	db.wrapped = append(db.wrapped, &c)
	r.tx.onRollback(func() { db.wrapped = db.wrapped[:n] })
	return nil
}

func (r *fakeKeyParts) Get(ctx context.Context, id string) (*models.ArchivedProjectKeyPart, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	kp, ok := db.keyParts[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return cloneKeyPart(kp), nil
}

func (r *fakeKeyParts) ListByArchive(ctx context.Context, archiveID string) ([]*models.ArchivedProjectKeyPart, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	var result []*models.ArchivedProjectKeyPart
	for _, kp := range db.keyParts {
		if kp.ArchivedProjectID == archiveID {
			result = append(result, cloneKeyPart(kp))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *fakeKeyParts) ListWrapped(ctx context.Context, keyPartID string) ([]*models.PublicKeyEncryptedKeyPart, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	var result []*models.PublicKeyEncryptedKeyPart
	for _, w := range db.wrapped {
		if w.KeyPartID == keyPartID {
			c := *w
			result = append(result, &c)
		}
	}
	return result, nil
}

func (r *fakeKeyParts) MarkDecrypted(ctx context.Context, id string, share []byte, at time.Time) error {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	kp, ok := db.keyParts[id]
	if !ok {
		return common.ErrorNotFound
	}
	prev := cloneKeyPart(kp)
	kp.KeyPart = cloneBytes(share)
	kp.DecryptedAt = &at
	r.tx.onRollback(func() { db.keyParts[id] = prev })
	return nil
}

func (r *fakeKeyParts) ResetDecrypted(ctx context.Context, archiveID string) (int64, error) {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	var n int64
	for id, kp := range db.keyParts {
		if kp.ArchivedProjectID != archiveID || kp.DecryptedAt == nil {
			continue
		}
		prev := cloneKeyPart(kp)
		kp.KeyPart = nil
		kp.DecryptedAt = nil
		n++
		id := id
		r.tx.onRollback(func() { db.keyParts[id] = prev })
	}
	return n, nil
}
