// Package recovery implements the emergency recovery request state machine.
//
// A request moves RECEIVED -> AWAITING_PRIMARY -> AWAITING_SECONDARY ->
// AWAITING_TIME_DELAY -> READY_FOR_EXECUTION -> COMPLETED, with REJECTED and
// CANCELLED reachable from any non-terminal state. Two distinct admins must
// approve, neither may be the requester, a mandatory time delay follows the
// second approval, and execution happens exactly once.
//
// The package orchestrates recovery but does not decide who may request it;
// identity verification is an external policy whose outcome is recorded via
// MarkIdentityVerified. Every transition goes through a compare-and-swap on
// the stored record, so two admins racing the same step cannot both succeed.
package recovery
