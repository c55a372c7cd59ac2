package recovery

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eatyourpeas/checktick-sub000/interfaces"
	"github.com/eatyourpeas/checktick-sub000/kms"
	"github.com/eatyourpeas/checktick-sub000/repository"
	"github.com/eatyourpeas/checktick-sub000/storage"
)

// workflowFixture wires a full in-memory stack: an escrowed KEK for user 42,
// survey 7, custodian shares at a 2-of-3 threshold, and a workflow with a
// 24 hour delay on a controllable clock.
type workflowFixture struct {
	workflow *Workflow
	escrow   *kms.SurveyKekEscrow
	store    interfaces.SecretStore
	shares   []string
	kek      []byte
	current  time.Time
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := storage.NewMemoryStore()
	split := kms.NewSplitKeyStore(store, logger)

	vaultComponent, err := kms.GenerateComponent()
	require.NoError(t, err)
	custodianComponent, err := kms.GenerateComponent()
	require.NoError(t, err)
	require.NoError(t, split.StoreVaultComponent(ctx, vaultComponent))

	versions := repository.NewMemoryKeyVersions()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, versions.Create(ctx, &interfaces.PlatformKeyVersion{
		VersionID:      "v1",
		VaultComponent: vaultComponent,
		CreatedAt:      now,
		ActivatedAt:    &now,
	}))

	escrow := kms.NewSurveyKekEscrow(store, split, repository.NewMemoryEscrows(), versions, logger)

	kek := make([]byte, 32)
	_, err = rand.Read(kek)
	require.NoError(t, err)
	_, err = escrow.EscrowUserSurveyKEK(ctx, 42, 7, kek, "user@example.com", custodianComponent)
	require.NoError(t, err)

	shares, err := kms.SplitSecret(custodianComponent, 2, 3)
	require.NoError(t, err)

	f := &workflowFixture{
		workflow: NewWorkflow(repository.NewMemoryRequests(), escrow, 24*time.Hour, logger),
		escrow:   escrow,
		store:    store,
		shares:   shares,
		kek:      kek,
		current:  now,
	}
	f.workflow.now = func() time.Time { return f.current }
	return f
}

// approved drives a fresh request through verification and both approvals.
func (f *workflowFixture) approved(t *testing.T) *interfaces.RecoveryRequest {
	t.Helper()
	ctx := context.Background()

	request, err := f.workflow.Submit(ctx, 42, 7, "support-desk")
	require.NoError(t, err)
	require.NoError(t, f.workflow.MarkIdentityVerified(ctx, request.ID, "alice", "passport checked"))
	require.NoError(t, f.workflow.ApprovePrimary(ctx, request.ID, "alice"))
	require.NoError(t, f.workflow.ApproveSecondary(ctx, request.ID, "bob"))
	return request
}

// ready additionally waits out the delay and marks the request ready.
func (f *workflowFixture) ready(t *testing.T) *interfaces.RecoveryRequest {
	t.Helper()
	request := f.approved(t)
	f.current = f.current.Add(25 * time.Hour)
	require.NoError(t, f.workflow.MarkReady(context.Background(), request.ID))
	return request
}

func TestWorkflowHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)

	request, err := f.workflow.Submit(ctx, 42, 7, "support-desk")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusReceived, request.Status)
	assert.True(t, strings.HasPrefix(request.RequestCode, "REC-"))
	assert.Len(t, request.RequestCode, 12)

	require.NoError(t, f.workflow.MarkIdentityVerified(ctx, request.ID, "alice", "passport checked"))
	require.NoError(t, f.workflow.ApprovePrimary(ctx, request.ID, "alice"))
	require.NoError(t, f.workflow.ApproveSecondary(ctx, request.ID, "bob"))

	loaded, err := f.workflow.requests.Get(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusAwaitingTimeDelay, loaded.Status)
	require.NotNil(t, loaded.TimeDelayUntil)
	assert.Equal(t, f.current.Add(24*time.Hour), *loaded.TimeDelayUntil)

	// Too early for readiness or execution.
	assert.ErrorIs(t, f.workflow.MarkReady(ctx, request.ID), interfaces.ErrInvalidState)
	_, err = f.workflow.Execute(ctx, request.ID, f.shares, "carol", "")
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)

	f.current = f.current.Add(25 * time.Hour)
	require.NoError(t, f.workflow.MarkReady(ctx, request.ID))

	recovered, err := f.workflow.Execute(ctx, request.ID, f.shares[:2], "carol", "")
	require.NoError(t, err)
	assert.Equal(t, f.kek, recovered)

	loaded, err = f.workflow.requests.Get(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCompleted, loaded.Status)
	assert.Equal(t, "carol", loaded.ExecutedBy)
	assert.Equal(t, "alice", loaded.PrimaryApprover)
	assert.Equal(t, "bob", loaded.SecondaryApprover)
	assert.True(t, loaded.CustodianComponentUsed)
}

func TestRequesterCannotApprove(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)

	request, err := f.workflow.Submit(ctx, 42, 7, "mallory")
	require.NoError(t, err)
	require.NoError(t, f.workflow.MarkIdentityVerified(ctx, request.ID, "alice", ""))

	assert.ErrorIs(t, f.workflow.ApprovePrimary(ctx, request.ID, "mallory"), interfaces.ErrInvalidState)

	require.NoError(t, f.workflow.ApprovePrimary(ctx, request.ID, "alice"))
	assert.ErrorIs(t, f.workflow.ApproveSecondary(ctx, request.ID, "mallory"), interfaces.ErrInvalidState)
	assert.ErrorIs(t, f.workflow.ApproveSecondary(ctx, request.ID, "alice"), interfaces.ErrInvalidState)
}

func TestTransitionsRequireExactStatus(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)

	request, err := f.workflow.Submit(ctx, 42, 7, "support-desk")
	require.NoError(t, err)

	// Approvals and execution are out of order straight after submission.
	assert.ErrorIs(t, f.workflow.ApprovePrimary(ctx, request.ID, "alice"), interfaces.ErrInvalidState)
	assert.ErrorIs(t, f.workflow.ApproveSecondary(ctx, request.ID, "bob"), interfaces.ErrInvalidState)
	assert.ErrorIs(t, f.workflow.MarkReady(ctx, request.ID), interfaces.ErrInvalidState)
	_, err = f.workflow.Execute(ctx, request.ID, f.shares, "carol", "")
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)

	// Verifying twice is rejected too.
	require.NoError(t, f.workflow.MarkIdentityVerified(ctx, request.ID, "alice", ""))
	assert.ErrorIs(t, f.workflow.MarkIdentityVerified(ctx, request.ID, "alice", ""), interfaces.ErrInvalidState)
}

func TestExecuteIsIrreversible(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)
	request := f.ready(t)

	_, err := f.workflow.Execute(ctx, request.ID, f.shares[:2], "carol", "")
	require.NoError(t, err)

	_, err = f.workflow.Execute(ctx, request.ID, f.shares[:2], "carol", "")
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)

	// Completed requests cannot be rejected or cancelled either.
	assert.ErrorIs(t, f.workflow.Reject(ctx, request.ID, "alice", "too late"), interfaces.ErrInvalidState)
	assert.ErrorIs(t, f.workflow.Cancel(ctx, request.ID, "support-desk"), interfaces.ErrInvalidState)
}

func TestExecuteRejectsBadShares(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)
	request := f.ready(t)

	_, err := f.workflow.Execute(ctx, request.ID, []string{"garbage"}, "carol", "")
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameter)

	// The failed attempt did not consume the request.
	recovered, err := f.workflow.Execute(ctx, request.ID, f.shares[:2], "carol", "")
	require.NoError(t, err)
	assert.Equal(t, f.kek, recovered)
}

func TestExecuteRewrapsUnderNewPassword(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)
	request := f.ready(t)

	recovered, err := f.workflow.Execute(ctx, request.ID, f.shares[:2], "carol", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, f.kek, recovered)

	// The user can unwrap their survey KEK again with the new password.
	path := interfaces.SurveyKEKPath(7)
	passwordKey := kms.DerivePathKey([]byte("correct horse"), path)
	unwrapped, err := f.escrow.Decrypt(ctx, path, passwordKey)
	require.NoError(t, err)
	assert.Equal(t, f.kek, unwrapped)
}

func TestRejectAndCancel(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)

	rejected := f.approved(t)
	require.NoError(t, f.workflow.Reject(ctx, rejected.ID, "alice", "identity doubt"))
	loaded, err := f.workflow.requests.Get(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRejected, loaded.Status)
	assert.Equal(t, "alice", loaded.RejectedBy)
	assert.Equal(t, "identity doubt", loaded.RejectReason)

	cancelled, err := f.workflow.Submit(ctx, 42, 7, "support-desk")
	require.NoError(t, err)
	require.NoError(t, f.workflow.Cancel(ctx, cancelled.ID, "support-desk"))
	loaded, err = f.workflow.requests.Get(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCancelled, loaded.Status)

	// Terminal states stay terminal.
	assert.ErrorIs(t, f.workflow.Cancel(ctx, rejected.ID, "support-desk"), interfaces.ErrInvalidState)
	assert.ErrorIs(t, f.workflow.Reject(ctx, cancelled.ID, "alice", ""), interfaces.ErrInvalidState)
}

func TestExecuteRechecksDelayAgainstClock(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)
	request := f.ready(t)

	// A clock rollback after MarkReady must block execution.
	f.current = f.current.Add(-10 * time.Hour)
	_, err := f.workflow.Execute(ctx, request.ID, f.shares[:2], "carol", "")
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)
}
