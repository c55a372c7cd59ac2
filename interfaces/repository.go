package interfaces

import "context"

// KeyVersionRepository persists PlatformKeyVersion records. Save applies an
// optimistic-concurrency check on every record's Revision and either persists
// all records or none, so activation can atomically retire the previously
// active version.
type KeyVersionRepository interface {
	// Create persists a new version. Fails with ErrAlreadyExists if the
	// version id is taken.
	Create(ctx context.Context, v *PlatformKeyVersion) error

	// Get loads a version by id. Fails with ErrNotFound.
	Get(ctx context.Context, versionID string) (*PlatformKeyVersion, error)

	// Active loads the unique active version, or ErrNotFound if none.
	Active(ctx context.Context) (*PlatformKeyVersion, error)

	// Save persists the given records atomically, failing the whole batch
	// with ErrRevisionConflict if any record was modified since load.
	// Revisions are bumped on success.
	Save(ctx context.Context, versions ...*PlatformKeyVersion) error
}

// EscrowRepository persists UserSurveyKEKEscrow records, unique on
// (UserID, SurveyID).
type EscrowRepository interface {
	// Create persists a new escrow row. Fails with ErrAlreadyExists if the
	// (user, survey) pair already has one.
	Create(ctx context.Context, e *UserSurveyKEKEscrow) error

	// Get loads the escrow for a (user, survey) pair. Fails with ErrNotFound.
	Get(ctx context.Context, userID, surveyID int64) (*UserSurveyKEKEscrow, error)

	// ListByUser returns all escrows for a user, oldest first.
	ListByUser(ctx context.Context, userID int64) ([]*UserSurveyKEKEscrow, error)

	// Save persists an updated escrow row with a revision check.
	Save(ctx context.Context, e *UserSurveyKEKEscrow) error

	// Delete removes the escrow row for a (user, survey) pair. Fails with
	// ErrNotFound if none exists.
	Delete(ctx context.Context, userID, surveyID int64) error
}

// RecoveryRequestRepository persists RecoveryRequest records. Save is the
// compare-and-swap that guards every state-machine transition: two admins
// racing the same approval step cannot both succeed.
type RecoveryRequestRepository interface {
	// Create persists a new request. Fails with ErrAlreadyExists on a
	// duplicate id.
	Create(ctx context.Context, r *RecoveryRequest) error

	// Get loads a request by id. Fails with ErrNotFound.
	Get(ctx context.Context, id string) (*RecoveryRequest, error)

	// Save persists an updated request, failing with ErrRevisionConflict
	// if the record was modified since load.
	Save(ctx context.Context, r *RecoveryRequest) error
}
