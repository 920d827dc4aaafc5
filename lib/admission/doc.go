// Package admission gates client operations against the operability state of a
// grid node. Every request path calls Stack.CheckAllowedOp before executing.
//
// A node that is not fully operational carries one or more guards, each with a
// status, an optional bypass token and a human readable description:
//
//   - SUSPENDED: a short interruption (e.g. while the node swaps its role).
//     Callers block until the suspension is lifted or a timeout elapses. Only
//     node-internal callers presenting the node identity token pass through.
//
//   - QUIESCED_DEMOTE: the node is a primary being demoted. Operations fail
//     immediately and all operations waiting for an entry are cancelled.
//
//   - QUIESCED: administrative quiesce (maintenance, failover). Operations
//     fail immediately unless they present the token used to quiesce.
//
// Guards nest. The stack holds at most one guard per status and keeps them in
// the precedence order SUSPENDED < QUIESCED_DEMOTE < QUIESCED, outermost first.
// Only the outermost guard decides about an operation; inner guards become
// visible once the outer ones are removed.
//
// Concurrency:
//
// The current guard chain is an immutable snapshot published through an
// atomic pointer. Admission checks read it without locking. Mutations are
// serialized by a single mutex and always publish a fully built chain, so a
// reader observes either the old or the new state. Quiesce operations cancel
// pending operations only after the new chain is visible.
//
// Usage:
//
//	stack := admission.NewStack(admission.Config{NodeName: "grid_container1:grid"}, registry)
//
//	tok := admission.StringToken("maintenance-42")
//	stack.Quiesce("maintenance", tok)
//
//	if err := stack.CheckAllowedOp(ctx, admission.NoToken()); err != nil {
//		// errors.Is(err, admission.ErrQuiesced) == true
//	}
//
//	stack.Unquiesce()
package admission
