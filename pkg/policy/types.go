package policy

import (
	"time"

	"github.com/opgate/opgate/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that are reported but never block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the operation.
	SeverityError Severity = "error"

	// SeverityCritical blocks the operation and is reported as a critical violation.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation with this severity denies the operation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a guardrail rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with opgate. They survive reloads.
	Builtin bool `json:"builtin"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Target is the operation target that violated the policy.
	Target string `json:"target,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides a suggested fix.
	Remediation string `json:"remediation,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}

// PolicyResult represents the result of evaluating the guardrails for one operation.
type PolicyResult struct {
	// Allowed is false when at least one blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists violations that do not block.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	EvaluatedAt       time.Time     `json:"evaluated_at"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Messages returns the blocking violation messages.
func (r *PolicyResult) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Policy+": "+v.Message)
	}
	return out
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Environment is the deployment environment, e.g. "production".
	Environment string `json:"environment,omitempty"`

	// Role is the role submitting the operation.
	Role engine.Role `json:"role,omitempty"`

	// DryRun mirrors the operation's dry-run flag.
	DryRun bool `json:"dry_run"`

	Timestamp time.Time `json:"timestamp"`
}

// operationInput is the input.operation document seen by Rego.
func operationInput(op *engine.Operation) map[string]interface{} {
	params := make(map[string]interface{}, len(op.Params))
	for k, v := range op.Params {
		params[k] = v
	}
	return map[string]interface{}{
		"id":             op.ID,
		"provider":       string(op.Provider),
		"service":        op.Service,
		"verb":           op.Verb,
		"target":         op.Target,
		"params":         params,
		"role":           string(op.Role),
		"classification": string(op.Classification),
		"risk":           string(op.Risk),
		"dry_run":        op.DryRun,
	}
}

func contextInput(pctx PolicyContext) map[string]interface{} {
	return map[string]interface{}{
		"environment": pctx.Environment,
		"role":        string(pctx.Role),
		"dry_run":     pctx.DryRun,
		"timestamp":   pctx.Timestamp.Format(time.RFC3339),
	}
}
