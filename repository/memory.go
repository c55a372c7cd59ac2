package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eatyourpeas/checktick-sub000/interfaces"
)

// MemoryKeyVersions is an in-memory KeyVersionRepository with the same
// revision-check semantics as the Postgres implementation.
type MemoryKeyVersions struct {
	mu       sync.Mutex
	versions map[string]*interfaces.PlatformKeyVersion
}

// NewMemoryKeyVersions creates an empty in-memory key version repository.
func NewMemoryKeyVersions() *MemoryKeyVersions {
	return &MemoryKeyVersions{versions: make(map[string]*interfaces.PlatformKeyVersion)}
}

// Create persists a new version.
func (m *MemoryKeyVersions) Create(ctx context.Context, v *interfaces.PlatformKeyVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.versions[v.VersionID]; ok {
		return fmt.Errorf("version %q: %w", v.VersionID, interfaces.ErrAlreadyExists)
	}

	v.Revision = 1
	m.versions[v.VersionID] = cloneVersion(v)
	return nil
}

// Get loads a version by id.
func (m *MemoryKeyVersions) Get(ctx context.Context, versionID string) (*interfaces.PlatformKeyVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[versionID]
	if !ok {
		return nil, fmt.Errorf("version %q: %w", versionID, interfaces.ErrNotFound)
	}
	return cloneVersion(v), nil
}

// Active loads the unique active version.
func (m *MemoryKeyVersions) Active(ctx context.Context) (*interfaces.PlatformKeyVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range m.versions {
		if v.Active() {
			return cloneVersion(v), nil
		}
	}
	return nil, fmt.Errorf("no active version: %w", interfaces.ErrNotFound)
}

// Save persists the given versions all-or-nothing with revision checks.
func (m *MemoryKeyVersions) Save(ctx context.Context, versions ...*interfaces.PlatformKeyVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range versions {
		stored, ok := m.versions[v.VersionID]
		if !ok {
			return fmt.Errorf("version %q: %w", v.VersionID, interfaces.ErrNotFound)
		}
		if stored.Revision != v.Revision {
			return fmt.Errorf("version %q: %w", v.VersionID, interfaces.ErrRevisionConflict)
		}
	}

	for _, v := range versions {
		v.Revision++
		m.versions[v.VersionID] = cloneVersion(v)
	}
	return nil
}

// MemoryEscrows is an in-memory EscrowRepository.
type MemoryEscrows struct {
	mu      sync.Mutex
	escrows map[[2]int64]*interfaces.UserSurveyKEKEscrow
}

// NewMemoryEscrows creates an empty in-memory escrow repository.
func NewMemoryEscrows() *MemoryEscrows {
	return &MemoryEscrows{escrows: make(map[[2]int64]*interfaces.UserSurveyKEKEscrow)}
}

// Create persists a new escrow row, unique on (user, survey).
func (m *MemoryEscrows) Create(ctx context.Context, e *interfaces.UserSurveyKEKEscrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [2]int64{e.UserID, e.SurveyID}
	if _, ok := m.escrows[key]; ok {
		return fmt.Errorf("escrow for user %d survey %d: %w", e.UserID, e.SurveyID, interfaces.ErrAlreadyExists)
	}

	e.Revision = 1
	m.escrows[key] = cloneEscrow(e)
	return nil
}

// Get loads the escrow for a (user, survey) pair.
func (m *MemoryEscrows) Get(ctx context.Context, userID, surveyID int64) (*interfaces.UserSurveyKEKEscrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[[2]int64{userID, surveyID}]
	if !ok {
		return nil, fmt.Errorf("escrow for user %d survey %d: %w", userID, surveyID, interfaces.ErrNotFound)
	}
	return cloneEscrow(e), nil
}

// ListByUser returns all escrows for a user, oldest first.
func (m *MemoryEscrows) ListByUser(ctx context.Context, userID int64) ([]*interfaces.UserSurveyKEKEscrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*interfaces.UserSurveyKEKEscrow
	for _, e := range m.escrows {
		if e.UserID == userID {
			out = append(out, cloneEscrow(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Save persists an updated escrow row with a revision check.
func (m *MemoryEscrows) Save(ctx context.Context, e *interfaces.UserSurveyKEKEscrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [2]int64{e.UserID, e.SurveyID}
	stored, ok := m.escrows[key]
	if !ok {
		return fmt.Errorf("escrow for user %d survey %d: %w", e.UserID, e.SurveyID, interfaces.ErrNotFound)
	}
	if stored.Revision != e.Revision {
		return fmt.Errorf("escrow for user %d survey %d: %w", e.UserID, e.SurveyID, interfaces.ErrRevisionConflict)
	}

	e.Revision++
	m.escrows[key] = cloneEscrow(e)
	return nil
}

// Delete removes the escrow row for a (user, survey) pair.
func (m *MemoryEscrows) Delete(ctx context.Context, userID, surveyID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [2]int64{userID, surveyID}
	if _, ok := m.escrows[key]; !ok {
		return fmt.Errorf("escrow for user %d survey %d: %w", userID, surveyID, interfaces.ErrNotFound)
	}

	delete(m.escrows, key)
	return nil
}

// MemoryRequests is an in-memory RecoveryRequestRepository.
type MemoryRequests struct {
	mu       sync.Mutex
	requests map[string]*interfaces.RecoveryRequest
}

// NewMemoryRequests creates an empty in-memory recovery request repository.
func NewMemoryRequests() *MemoryRequests {
	return &MemoryRequests{requests: make(map[string]*interfaces.RecoveryRequest)}
}

// Create persists a new request.
func (m *MemoryRequests) Create(ctx context.Context, r *interfaces.RecoveryRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("request %q: %w", r.ID, interfaces.ErrAlreadyExists)
	}

	r.Revision = 1
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

// Get loads a request by id.
func (m *MemoryRequests) Get(ctx context.Context, id string) (*interfaces.RecoveryRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %q: %w", id, interfaces.ErrNotFound)
	}
	return cloneRequest(r), nil
}

// Save persists an updated request with a revision check. This is the
// compare-and-swap guarding every state machine transition.
func (m *MemoryRequests) Save(ctx context.Context, r *interfaces.RecoveryRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.requests[r.ID]
	if !ok {
		return fmt.Errorf("request %q: %w", r.ID, interfaces.ErrNotFound)
	}
	if stored.Revision != r.Revision {
		return fmt.Errorf("request %q: %w", r.ID, interfaces.ErrRevisionConflict)
	}

	r.Revision++
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func cloneVersion(v *interfaces.PlatformKeyVersion) *interfaces.PlatformKeyVersion {
	c := *v
	c.VaultComponent = append([]byte(nil), v.VaultComponent...)
	c.ActivatedAt = cloneTime(v.ActivatedAt)
	c.RetiredAt = cloneTime(v.RetiredAt)
	c.SharesLastRotated = cloneTime(v.SharesLastRotated)
	return &c
}

func cloneEscrow(e *interfaces.UserSurveyKEKEscrow) *interfaces.UserSurveyKEKEscrow {
	c := *e
	c.LastRecoveredAt = cloneTime(e.LastRecoveredAt)
	return &c
}

func cloneRequest(r *interfaces.RecoveryRequest) *interfaces.RecoveryRequest {
	c := *r
	c.TimeDelayUntil = cloneTime(r.TimeDelayUntil)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
