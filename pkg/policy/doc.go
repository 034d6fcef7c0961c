// Package policy evaluates Open Policy Agent (OPA) guardrails on operations.
//
// Every classified operation is checked before it reaches the confirmation gate.
// A policy is a Rego module defining a deny set; each member is a string or an
// object with message, severity and remediation fields. Violations with severity
// error or critical deny the operation. Warnings are reported only.
//
// # Built-in policies
//
//   - wildcard-target: mutating operations need a concrete, non-wildcard target
//   - production-destructive: critical-tier operations are denied in production
//     unless dry-run
//   - public-access: warns when params ask for a public ACL
//
// # Input document
//
//	input.operation  id, provider, service, verb, target, params, role,
//	                 classification, risk, dry_run
//	input.context    environment, role, dry_run, timestamp
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"configs/policies"}); err != nil {
//	    return err
//	}
//	result, err := eng.Check(ctx, op, policy.PolicyContext{Environment: "production"})
//	if err != nil {
//	    // err is an engine.EngineError of kind policy_denied
//	}
//
// A policy that fails to evaluate counts as a critical violation, so a broken
// policy blocks instead of letting operations through. Watch reloads the user
// policies on file changes; a reload that does not compile keeps the previous set.
package policy
