// Package engine provides the core types shared by the opgate authorization pipeline.
//
// # Overview
//
// opgate decides whether, and under what confirmation conditions, a requested
// infrastructure operation may proceed. Every request flows through:
//
//  1. Classify - map (provider, service, verb) to read-only, mutating or unknown
//  2. Policy - evaluate guardrail policies against the classified operation
//  3. Confirm - mutating operations need an explicit, approved ConfirmationRequest
//  4. Dispatch - hand the operation to the provider Adapter
//  5. Record - append the terminal Outcome to the session log
//
// Unknown operations and read-only goals blocked by a missing prerequisite mutation
// are handed to the escalation coordinator instead of being dispatched.
//
// # Core Domain Types
//
//   - Operation: a single requested action with its classification and terminal Outcome
//   - Classification: ClassReadOnly, ClassMutating or ClassUnknown
//   - RiskTier: derived from classification; destructive mutations are critical
//   - ConfirmationStatus: draft -> presented -> awaiting_approval -> approved|denied|expired
//   - TicketStatus: open -> handed_off -> resolved|rejected
//   - Role: ReadOnlyRole or OperatorRole, the capability token checked by the gate
//     and the escalation coordinator
//
// # Adapter Interface
//
// Backends implement Adapter:
//
//	type Adapter interface {
//	    Execute(ctx context.Context, op *Operation) (*Result, error)
//	}
//
// Adapters never retry. Failures are surfaced verbatim through EngineError with one
// of the adapter codes: PERMISSION_DENIED, NOT_FOUND, THROTTLED, TRANSIENT, UNSUPPORTED.
//
// # Error Handling
//
// EngineError always names the stage that failed:
//
//	err := engine.NewConfirmationDeniedError("denied by approver")
//	fmt.Println(err) // stage confirm: confirmation_denied: denied by approver
//
// Use the predicates IsDenied, IsExpired, IsAdapterError and IsEscalation to branch
// on the kind, and AdapterCode to extract the adapter code.
package engine
