// Package memory is an in-process implementation of store.Store.
//
// Transactions run one at a time against a private copy of the data that replaces
// the committed copy only when the callback succeeds, so a failed transaction
// leaves no trace. It backs the "memory" storage backend and the engine tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store"
)

type data struct {
	records     map[string]*models.Record
	versions    map[string]map[int]*models.RecordVersion
	instances   map[string]*models.WorkflowInstance
	users       map[string]*models.User
	departments map[string]*models.Department
	grants      map[string]*models.PermissionGrant
	audit       map[string][]*models.AuditEntry
	signatures  map[string]*models.Signature
}

func newData() *data {
	return &data{
		records:     map[string]*models.Record{},
		versions:    map[string]map[int]*models.RecordVersion{},
		instances:   map[string]*models.WorkflowInstance{},
		users:       map[string]*models.User{},
		departments: map[string]*models.Department{},
		grants:      map[string]*models.PermissionGrant{},
		audit:       map[string][]*models.AuditEntry{},
		signatures:  map[string]*models.Signature{},
	}
}

// clone copies every mutable row. Audit entries and signatures are never
// modified after insert, so only their containers are copied.
func (d *data) clone() *data {
	cp := newData()
	for k, v := range d.records {
		r := *v
		cp.records[k] = &r
	}
	for k, byVersion := range d.versions {
		m := make(map[int]*models.RecordVersion, len(byVersion))
		for n, v := range byVersion {
			rv := *v
			rv.Content = append([]byte(nil), v.Content...)
			m[n] = &rv
		}
		cp.versions[k] = m
	}
	for k, v := range d.instances {
		cp.instances[k] = v.Clone()
	}
	for k, v := range d.users {
		u := *v
		cp.users[k] = &u
	}
	for k, v := range d.departments {
		dept := *v
		dept.Path = append([]string(nil), v.Path...)
		cp.departments[k] = &dept
	}
	for k, v := range d.grants {
		g := *v
		cp.grants[k] = &g
	}
	for k, v := range d.audit {
		cp.audit[k] = append([]*models.AuditEntry(nil), v...)
	}
	for k, v := range d.signatures {
		cp.signatures[k] = v
	}
	return cp
}

// Store is an in-memory store.Store
type Store struct {
	mu        sync.RWMutex
	committed *data
}

// New creates an empty Store
func New() *Store {
	return &Store{committed: newData()}
}

// InTx runs fn against a private copy of the data and publishes it on success.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{reader: reader{d: s.committed.clone()}}
	if err := fn(tx); err != nil {
		return err
	}
	s.committed = tx.d
	return nil
}

func (s *Store) view() reader {
	return reader{d: s.committed}
}

// GetRecord implements store.Reader
func (s *Store) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetRecord(ctx, id)
}

// GetRecordVersion implements store.Reader
func (s *Store) GetRecordVersion(ctx context.Context, recordID string, version int) (*models.RecordVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetRecordVersion(ctx, recordID, version)
}

// GetInstance implements store.Reader
func (s *Store) GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetInstance(ctx, id)
}

// GetUser implements store.Reader
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetUser(ctx, id)
}

// GetDepartment implements store.Reader
func (s *Store) GetDepartment(ctx context.Context, id string) (*models.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetDepartment(ctx, id)
}

// ListGrantsForUser implements store.Reader
func (s *Store) ListGrantsForUser(ctx context.Context, userID string) ([]*models.PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListGrantsForUser(ctx, userID)
}

// ListAuditEntries implements store.Reader
func (s *Store) ListAuditEntries(ctx context.Context, recordID string) ([]*models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListAuditEntries(ctx, recordID)
}

// GetSignature implements store.Reader
func (s *Store) GetSignature(ctx context.Context, id string) (*models.Signature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetSignature(ctx, id)
}

// ListSignatures implements store.Reader
func (s *Store) ListSignatures(ctx context.Context, recordID string, version int) ([]*models.Signature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListSignatures(ctx, recordID, version)
}

// ListOpenSteps implements store.Reader
func (s *Store) ListOpenSteps(ctx context.Context) ([]*models.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListOpenSteps(ctx)
}

// reader answers queries against one snapshot and hands out copies.
type reader struct {
	d *data
}

func (r reader) GetRecord(_ context.Context, id string) (*models.Record, error) {
	rec, ok := r.d.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r reader) GetRecordVersion(_ context.Context, recordID string, version int) (*models.RecordVersion, error) {
	v, ok := r.d.versions[recordID][version]
	if !ok {
		return nil, nil
	}
	cp := *v
	cp.Content = append([]byte(nil), v.Content...)
	return &cp, nil
}

func (r reader) GetInstance(_ context.Context, id string) (*models.WorkflowInstance, error) {
	inst, ok := r.d.instances[id]
	if !ok {
		return nil, nil
	}
	return inst.Clone(), nil
}

func (r reader) GetUser(_ context.Context, id string) (*models.User, error) {
	u, ok := r.d.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r reader) GetDepartment(_ context.Context, id string) (*models.Department, error) {
	d, ok := r.d.departments[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	cp.Path = append([]string(nil), d.Path...)
	return &cp, nil
}

func (r reader) ListGrantsForUser(_ context.Context, userID string) ([]*models.PermissionGrant, error) {
	var out []*models.PermissionGrant
	for _, g := range r.d.grants {
		if g.UserID == userID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r reader) ListAuditEntries(_ context.Context, recordID string) ([]*models.AuditEntry, error) {
	entries := r.d.audit[recordID]
	out := make([]*models.AuditEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (r reader) GetSignature(_ context.Context, id string) (*models.Signature, error) {
	sig, ok := r.d.signatures[id]
	if !ok {
		return nil, nil
	}
	cp := *sig
	return &cp, nil
}

func (r reader) ListSignatures(_ context.Context, recordID string, version int) ([]*models.Signature, error) {
	var out []*models.Signature
	for _, sig := range r.d.signatures {
		if sig.RecordID == recordID && (version == 0 || sig.RecordVersion == version) {
			cp := *sig
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignedAt.Before(out[j].SignedAt) })
	return out, nil
}

func (r reader) ListOpenSteps(_ context.Context) ([]*models.Step, error) {
	var out []*models.Step
	for _, inst := range r.d.instances {
		for _, s := range inst.Steps {
			if s.Status == models.StepStatusActive && s.DueAt != nil {
				out = append(out, s.Clone())
			}
		}
	}
	return out, nil
}

type memTx struct {
	reader
}

func (t *memTx) LockRecord(ctx context.Context, id string) (*models.Record, error) {
	return t.GetRecord(ctx, id)
}

func (t *memTx) CreateRecord(_ context.Context, rec *models.Record, version *models.RecordVersion) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	if rec.CurrentVersion == 0 {
		rec.CurrentVersion = 1
	}
	cp := *rec
	t.d.records[rec.ID] = &cp

	if version != nil {
		version.RecordID = rec.ID
		version.Version = rec.CurrentVersion
		return t.CreateRecordVersion(context.Background(), version)
	}
	return nil
}

func (t *memTx) CreateRecordVersion(_ context.Context, version *models.RecordVersion) error {
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now()
	}
	byVersion, ok := t.d.versions[version.RecordID]
	if !ok {
		byVersion = map[int]*models.RecordVersion{}
		t.d.versions[version.RecordID] = byVersion
	}
	if _, taken := byVersion[version.Version]; taken {
		return store.ErrVersionExists
	}
	cp := *version
	cp.Content = append([]byte(nil), version.Content...)
	byVersion[version.Version] = &cp
	return nil
}

func (t *memTx) UpdateRecord(_ context.Context, rec *models.Record) error {
	existing, ok := t.d.records[rec.ID]
	if !ok {
		return store.ErrRowMissing
	}
	cp := *rec
	// audit_seq is owned by NextAuditSequence.
	cp.AuditSeq = existing.AuditSeq
	t.d.records[rec.ID] = &cp
	return nil
}

func (t *memTx) CreateInstance(_ context.Context, inst *models.WorkflowInstance) error {
	for _, other := range t.d.instances {
		if other.RecordID == inst.RecordID && !other.State.Terminal() {
			return store.ErrActiveInstanceExists
		}
	}
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	for _, s := range inst.Steps {
		s.InstanceID = inst.ID
	}
	t.d.instances[inst.ID] = inst.Clone()
	return nil
}

func (t *memTx) UpdateInstance(_ context.Context, inst *models.WorkflowInstance, expectedVersion int64) error {
	existing, ok := t.d.instances[inst.ID]
	if !ok {
		return store.ErrRowMissing
	}
	if existing.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	inst.Version = expectedVersion + 1
	t.d.instances[inst.ID] = inst.Clone()
	return nil
}

func (t *memTx) NextAuditSequence(_ context.Context, recordID string) (int64, error) {
	rec, ok := t.d.records[recordID]
	if !ok {
		return 0, store.ErrRowMissing
	}
	rec.AuditSeq++
	return rec.AuditSeq, nil
}

func (t *memTx) AppendAuditEntry(_ context.Context, entry *models.AuditEntry) error {
	cp := *entry
	t.d.audit[entry.RecordID] = append(t.d.audit[entry.RecordID], &cp)
	return nil
}

func (t *memTx) CreateSignature(_ context.Context, sig *models.Signature) error {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	cp := *sig
	t.d.signatures[sig.ID] = &cp
	return nil
}

func (t *memTx) CreateUser(_ context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	user.UpdatedAt = user.CreatedAt
	cp := *user
	t.d.users[user.ID] = &cp
	return nil
}

func (t *memTx) SetUserActive(_ context.Context, userID string, active bool) error {
	u, ok := t.d.users[userID]
	if !ok {
		return store.ErrRowMissing
	}
	u.IsActive = active
	u.UpdatedAt = time.Now()
	return nil
}

func (t *memTx) CreateDepartment(_ context.Context, dept *models.Department) error {
	if dept.ID == "" {
		dept.ID = uuid.New().String()
	}
	if dept.ParentID != nil {
		parent, ok := t.d.departments[*dept.ParentID]
		if !ok {
			return store.ErrRowMissing
		}
		dept.Path = append(append([]string(nil), parent.Path...), dept.ID)
	} else {
		dept.Path = []string{dept.ID}
	}
	if dept.CreatedAt.IsZero() {
		dept.CreatedAt = time.Now()
	}
	cp := *dept
	cp.Path = append([]string(nil), dept.Path...)
	t.d.departments[dept.ID] = &cp
	return nil
}

func (t *memTx) CreateGrant(_ context.Context, grant *models.PermissionGrant) error {
	if grant.ID == "" {
		grant.ID = uuid.New().String()
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now()
	}
	if grant.ValidFrom.IsZero() {
		grant.ValidFrom = grant.CreatedAt
	}
	cp := *grant
	t.d.grants[grant.ID] = &cp
	return nil
}

func (t *memTx) RevokeGrant(_ context.Context, grantID string) error {
	g, ok := t.d.grants[grantID]
	if !ok {
		return store.ErrRowMissing
	}
	g.IsActive = false
	return nil
}

var _ store.Store = (*Store)(nil)
