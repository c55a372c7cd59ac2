package interfaces

import (
	"time"
)

// Key material sizes. The platform master key and both of its components are
// 64 bytes; every derived key in the hierarchy is a 32-byte AES-256 key.
const (
	PlatformKeyLen = 64
	DerivedKeyLen  = 32
)

// PlatformKeyVersion is one version of the platform master key. The record
// holds only the vault component; the custodian component exists solely as
// Shamir shares in operator hands. At most one version is active (activated
// and not retired) at any time.
type PlatformKeyVersion struct {
	VersionID         string
	VaultComponent    []byte // 64 bytes, never the full platform key
	CreatedAt         time.Time
	ActivatedAt       *time.Time
	RetiredAt         *time.Time
	SharesLastRotated *time.Time
	Notes             string

	// Revision is the optimistic-concurrency counter maintained by the
	// repository. Zero for records that have never been persisted.
	Revision int64
}

// Active reports whether this version is the currently active one.
func (v *PlatformKeyVersion) Active() bool {
	return v.ActivatedAt != nil && v.RetiredAt == nil
}

// UserSurveyKEKEscrow tracks one user's ethical-recovery escrow for one
// survey. The ciphertexts themselves live in the secret store at StorePath;
// this record carries the bookkeeping. Unique on (UserID, SurveyID).
type UserSurveyKEKEscrow struct {
	UserID             int64
	SurveyID           int64
	PlatformKeyVersion string // references PlatformKeyVersion.VersionID
	StorePath          string
	RecoveredCount     int
	LastRecoveredAt    *time.Time
	LastRecoveredBy    string
	CreatedAt          time.Time

	Revision int64
}

// RequestStatus is the state of a RecoveryRequest.
type RequestStatus string

const (
	StatusReceived          RequestStatus = "RECEIVED"
	StatusAwaitingPrimary   RequestStatus = "AWAITING_PRIMARY"
	StatusAwaitingSecondary RequestStatus = "AWAITING_SECONDARY"
	StatusAwaitingTimeDelay RequestStatus = "AWAITING_TIME_DELAY"
	StatusReadyForExecution RequestStatus = "READY_FOR_EXECUTION"
	StatusCompleted         RequestStatus = "COMPLETED"
	StatusRejected          RequestStatus = "REJECTED"
	StatusCancelled         RequestStatus = "CANCELLED"
)

// Terminal reports whether the status is final. A terminal request never
// transitions again.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// RecoveryRequest is one emergency recovery request for a user's survey KEK.
// It moves through the dual-admin, time-delayed state machine enforced by the
// recovery package and is executed at most once.
type RecoveryRequest struct {
	ID          string // UUID
	RequestCode string // short human-readable code quoted by the requester
	UserID      int64
	SurveyID    int64
	RequestedBy string // account name of the requesting user
	Status      RequestStatus

	VerifiedBy        string
	VerificationNotes string

	PrimaryApprover   string
	SecondaryApprover string
	TimeDelayUntil    *time.Time

	RejectedBy   string
	RejectReason string

	ExecutedBy             string
	CustodianComponentUsed bool

	CreatedAt time.Time

	Revision int64
}

// DelayElapsed reports whether the mandatory time delay has passed. It is
// re-checked against the clock at execution time; the stored status alone is
// never trusted.
func (r *RecoveryRequest) DelayElapsed(now time.Time) bool {
	return r.TimeDelayUntil != nil && !now.Before(*r.TimeDelayUntil)
}

// AuditTrail is the append-only access log stored alongside a recovery
// escrow in the secret store. Entries are appended pairwise: AccessedBy[i]
// decrypted the escrow at AccessTimestamps[i].
type AuditTrail struct {
	AccessedBy       []string    `json:"accessed_by"`
	AccessTimestamps []time.Time `json:"access_timestamps"`
}

// Append records one access. The trail is read-modify-write without
// transactional isolation, acceptable because recovery is a near-zero
// frequency, human-gated operation.
func (t *AuditTrail) Append(adminID string, at time.Time) {
	t.AccessedBy = append(t.AccessedBy, adminID)
	t.AccessTimestamps = append(t.AccessTimestamps, at)
}

// PlatformKeyRecord is the secret-store document at the platform master key
// path. The vault component is lowercase hex.
type PlatformKeyRecord struct {
	VaultComponent string `json:"vault_component"`
}

// SurveyKEKRecord is the secret-store document for a wrapped survey KEK.
// The ciphertext is nonce(12B) || AES-256-GCM ciphertext, lowercase hex.
type SurveyKEKRecord struct {
	EncryptedKEK string `json:"encrypted_kek"`
}

// RecoveryEscrowRecord is the secret-store document for a user's
// ethical-recovery escrow: the wrapped KEK, the user's email wrapped under an
// independent key for identity verification, and the access audit trail.
type RecoveryEscrowRecord struct {
	EncryptedKEK   string     `json:"encrypted_kek"`
	EncryptedEmail string     `json:"encrypted_email"`
	AuditTrail     AuditTrail `json:"audit_trail"`
}
