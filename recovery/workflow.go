package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eatyourpeas/checktick-sub000/interfaces"
	"github.com/eatyourpeas/checktick-sub000/kms"
)

// Workflow drives RecoveryRequest records through the dual-admin,
// time-delayed state machine and performs the single irreversible execution
// that recovers a user's survey KEK.
type Workflow struct {
	requests interfaces.RecoveryRequestRepository
	escrow   *kms.SurveyKekEscrow
	delay    time.Duration
	log      *slog.Logger

	now func() time.Time
}

// NewWorkflow creates a workflow with the configured mandatory delay between
// second approval and execution.
func NewWorkflow(requests interfaces.RecoveryRequestRepository, escrow *kms.SurveyKekEscrow, delay time.Duration, log *slog.Logger) *Workflow {
	return &Workflow{
		requests: requests,
		escrow:   escrow,
		delay:    delay,
		log:      log,
		now:      time.Now,
	}
}

// Submit opens a new recovery request for a user's survey KEK. The returned
// request carries a short code the requester quotes during out-of-band
// identity verification.
func (w *Workflow) Submit(ctx context.Context, userID, surveyID int64, requestedBy string) (*interfaces.RecoveryRequest, error) {
	id := uuid.Must(uuid.NewRandom()).String()
	request := &interfaces.RecoveryRequest{
		ID:          id,
		RequestCode: "REC-" + strings.ToUpper(strings.ReplaceAll(id, "-", "")[:8]),
		UserID:      userID,
		SurveyID:    surveyID,
		RequestedBy: requestedBy,
		Status:      interfaces.StatusReceived,
		CreatedAt:   w.now().UTC(),
	}

	if err := w.requests.Create(ctx, request); err != nil {
		return nil, fmt.Errorf("creating recovery request: %w", err)
	}

	w.log.Info("Recovery request submitted",
		slog.String("request_id", request.ID),
		slog.String("request_code", request.RequestCode),
		slog.Int64("user_id", userID),
		slog.Int64("survey_id", surveyID))
	return request, nil
}

// MarkIdentityVerified records the outcome of the external identity check
// and moves the request from RECEIVED to AWAITING_PRIMARY.
func (w *Workflow) MarkIdentityVerified(ctx context.Context, requestID, verifier, notes string) error {
	request, err := w.requests.Get(ctx, requestID)
	if err != nil {
		return fmt.Errorf("loading recovery request: %w", err)
	}

	if request.Status != interfaces.StatusReceived {
		return fmt.Errorf("%w: identity verification requires status %s, have %s",
			interfaces.ErrInvalidState, interfaces.StatusReceived, request.Status)
	}

	request.VerifiedBy = verifier
	request.VerificationNotes = notes
	request.Status = interfaces.StatusAwaitingPrimary
	if err := w.requests.Save(ctx, request); err != nil {
		return fmt.Errorf("saving recovery request: %w", err)
	}

	w.log.Info("Recovery request identity verified",
		slog.String("request_id", requestID),
		slog.String("verified_by", verifier))
	return nil
}

// ApprovePrimary records the first admin approval. The approver must not be
// the requester.
func (w *Workflow) ApprovePrimary(ctx context.Context, requestID, adminID string) error {
	request, err := w.requests.Get(ctx, requestID)
	if err != nil {
		return fmt.Errorf("loading recovery request: %w", err)
	}

	if request.Status != interfaces.StatusAwaitingPrimary {
		return fmt.Errorf("%w: primary approval requires status %s, have %s",
			interfaces.ErrInvalidState, interfaces.StatusAwaitingPrimary, request.Status)
	}
	if adminID == request.RequestedBy {
		return fmt.Errorf("%w: requester cannot approve their own recovery", interfaces.ErrInvalidState)
	}

	request.PrimaryApprover = adminID
	request.Status = interfaces.StatusAwaitingSecondary
	if err := w.requests.Save(ctx, request); err != nil {
		return fmt.Errorf("saving recovery request: %w", err)
	}

	w.log.Info("Recovery request primary approval",
		slog.String("request_id", requestID),
		slog.String("admin_id", adminID))
	return nil
}

// ApproveSecondary records the second admin approval and starts the
// mandatory time delay. The approver must be distinct from both the
// requester and the primary approver.
func (w *Workflow) ApproveSecondary(ctx context.Context, requestID, adminID string) error {
	request, err := w.requests.Get(ctx, requestID)
	if err != nil {
		return fmt.Errorf("loading recovery request: %w", err)
	}

	if request.Status != interfaces.StatusAwaitingSecondary {
		return fmt.Errorf("%w: secondary approval requires status %s, have %s",
			interfaces.ErrInvalidState, interfaces.StatusAwaitingSecondary, request.Status)
	}
	if adminID == request.RequestedBy {
		return fmt.Errorf("%w: requester cannot approve their own recovery", interfaces.ErrInvalidState)
	}
	if adminID == request.PrimaryApprover {
		return fmt.Errorf("%w: secondary approver must differ from primary approver", interfaces.ErrInvalidState)
	}

	delayUntil := w.now().UTC().Add(w.delay)
	request.SecondaryApprover = adminID
	request.TimeDelayUntil = &delayUntil
	request.Status = interfaces.StatusAwaitingTimeDelay
	if err := w.requests.Save(ctx, request); err != nil {
		return fmt.Errorf("saving recovery request: %w", err)
	}

	w.log.Info("Recovery request secondary approval, time delay started",
		slog.String("request_id", requestID),
		slog.String("admin_id", adminID),
		slog.Time("time_delay_until", delayUntil))
	return nil
}

// MarkReady promotes a request to READY_FOR_EXECUTION once the time delay
// has elapsed. An external scheduler calls this; Execute re-checks the delay
// against the clock regardless.
func (w *Workflow) MarkReady(ctx context.Context, requestID string) error {
	request, err := w.requests.Get(ctx, requestID)
	if err != nil {
		return fmt.Errorf("loading recovery request: %w", err)
	}

	if request.Status != interfaces.StatusAwaitingTimeDelay {
		return fmt.Errorf("%w: readiness requires status %s, have %s",
			interfaces.ErrInvalidState, interfaces.StatusAwaitingTimeDelay, request.Status)
	}
	if !request.DelayElapsed(w.now().UTC()) {
		return fmt.Errorf("%w: time delay has not elapsed", interfaces.ErrInvalidState)
	}

	request.Status = interfaces.StatusReadyForExecution
	if err := w.requests.Save(ctx, request); err != nil {
		return fmt.Errorf("saving recovery request: %w", err)
	}

	w.log.Info("Recovery request ready for execution", slog.String("request_id", requestID))
	return nil
}

// Reject moves any non-terminal request to REJECTED, recording the admin and
// reason.
func (w *Workflow) Reject(ctx context.Context, requestID, adminID, reason string) error {
	request, err := w.requests.Get(ctx, requestID)
	if err != nil {
		return fmt.Errorf("loading recovery request: %w", err)
	}

	if request.Status.Terminal() {
		return fmt.Errorf("%w: cannot reject a %s request", interfaces.ErrInvalidState, request.Status)
	}

	request.Status = interfaces.StatusRejected
	request.RejectedBy = adminID
	request.RejectReason = reason
	if err := w.requests.Save(ctx, request); err != nil {
		return fmt.Errorf("saving recovery request: %w", err)
	}

	w.log.Info("Recovery request rejected",
		slog.String("request_id", requestID),
		slog.String("admin_id", adminID),
		slog.String("reason", reason))
	return nil
}

// Cancel moves any non-terminal request to CANCELLED, typically at the
// requester's initiative.
func (w *Workflow) Cancel(ctx context.Context, requestID, actor string) error {
	request, err := w.requests.Get(ctx, requestID)
	if err != nil {
		return fmt.Errorf("loading recovery request: %w", err)
	}

	if request.Status.Terminal() {
		return fmt.Errorf("%w: cannot cancel a %s request", interfaces.ErrInvalidState, request.Status)
	}

	request.Status = interfaces.StatusCancelled
	if err := w.requests.Save(ctx, request); err != nil {
		return fmt.Errorf("saving recovery request: %w", err)
	}

	w.log.Info("Recovery request cancelled",
		slog.String("request_id", requestID),
		slog.String("actor", actor))
	return nil
}

// Execute performs the irreversible recovery. It requires
// READY_FOR_EXECUTION status, re-checks the time delay against the clock,
// reconstructs the custodian component from the submitted shares (failing
// loudly on anything that is not 64 bytes), and recovers the user's survey
// KEK. On success the request is COMPLETED and never transitions again.
//
// If newPassword is non-empty the recovered KEK is immediately re-wrapped
// under a key derived from it and stored at the survey's KEK path, restoring
// the user's own unlock path.
//
// The reconstructed custodian component and all intermediate keys are zeroed
// before return on every path; the caller owns the returned KEK and must
// Zeroize it after use.
func (w *Workflow) Execute(ctx context.Context, requestID string, shares []string, executor, newPassword string) ([]byte, error) {
	request, err := w.requests.Get(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("loading recovery request: %w", err)
	}

	if request.Status != interfaces.StatusReadyForExecution {
		return nil, fmt.Errorf("%w: execution requires status %s, have %s",
			interfaces.ErrInvalidState, interfaces.StatusReadyForExecution, request.Status)
	}
	// Never trust the stored status alone for the delay.
	if !request.DelayElapsed(w.now().UTC()) {
		return nil, fmt.Errorf("%w: time delay has not elapsed", interfaces.ErrInvalidState)
	}

	custodianComponent, err := kms.ReconstructSecret(shares)
	if err != nil {
		return nil, fmt.Errorf("reconstructing custodian component: %w", err)
	}
	defer kms.Zeroize(custodianComponent)

	surveyKEK, err := w.escrow.RecoverUserSurveyKEK(ctx, request.UserID, request.SurveyID, executor, request.VerificationNotes, custodianComponent)
	if err != nil {
		return nil, fmt.Errorf("recovering survey KEK: %w", err)
	}

	if newPassword != "" {
		path := interfaces.SurveyKEKPath(request.SurveyID)
		passwordKey := kms.DerivePathKey([]byte(newPassword), path)
		_, err = w.escrow.EncryptAndStore(ctx, surveyKEK, passwordKey, path)
		kms.Zeroize(passwordKey)
		if err != nil {
			kms.Zeroize(surveyKEK)
			return nil, fmt.Errorf("re-wrapping KEK under new password: %w", err)
		}
	}

	request.Status = interfaces.StatusCompleted
	request.ExecutedBy = executor
	request.CustodianComponentUsed = true
	if err := w.requests.Save(ctx, request); err != nil {
		kms.Zeroize(surveyKEK)
		return nil, fmt.Errorf("completing recovery request: %w", err)
	}

	w.log.Info("Recovery request executed",
		slog.String("request_id", requestID),
		slog.String("primary_approver", request.PrimaryApprover),
		slog.String("secondary_approver", request.SecondaryApprover),
		slog.String("executed_by", executor),
		slog.String("verification_notes", request.VerificationNotes),
		slog.Int64("user_id", request.UserID),
		slog.Int64("survey_id", request.SurveyID))
	return surveyKEK, nil
}
