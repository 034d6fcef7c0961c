package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in guardrail policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		wildcardTargetPolicy(),
		productionDestructivePolicy(),
		publicAccessPolicy(),
	}
}

// wildcardTargetPolicy denies mutations without a concrete target.
func wildcardTargetPolicy() Policy {
	return Policy{
		Name:        "wildcard-target",
		Description: "Denies mutating operations on an empty or wildcard target",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"targets", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package opgate.policies.targets

import rego.v1

deny contains violation if {
	input.operation.classification == "mutating"
	input.operation.target == ""
	violation := {
		"message": sprintf("%s %s needs an explicit target", [input.operation.provider, input.operation.verb]),
		"severity": "error",
		"remediation": "name the exact resource to change",
	}
}

deny contains violation if {
	input.operation.classification == "mutating"
	indexof(input.operation.target, "*") >= 0
	violation := {
		"message": sprintf("target '%s' is a wildcard", [input.operation.target]),
		"severity": "error",
		"remediation": "run one operation per resource",
	}
}`,
	}
}

// productionDestructivePolicy blocks critical-tier operations in production.
func productionDestructivePolicy() Policy {
	return Policy{
		Name:        "production-destructive",
		Description: "Denies destructive operations in the production environment",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"operations", "safety", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package opgate.policies.production

import rego.v1

deny contains violation if {
	input.context.environment == "production"
	input.operation.risk == "critical"
	not input.context.dry_run
	violation := {
		"message": sprintf("destructive operation '%s' on %s is not allowed in production", [input.operation.verb, input.operation.target]),
		"severity": "critical",
	}
}`,
	}
}

// publicAccessPolicy warns when parameters request public exposure.
func publicAccessPolicy() Policy {
	return Policy{
		Name:        "public-access",
		Description: "Warns when an operation requests public access",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"security"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package opgate.policies.access

import rego.v1

public_acls := {"public-read", "public-read-write", "allUsers", "allAuthenticatedUsers"}

deny contains violation if {
	some acl in public_acls
	input.operation.params.acl == acl
	violation := {
		"message": sprintf("%s requests public ACL %s", [input.operation.target, acl]),
		"severity": "warning",
	}
}

deny contains violation if {
	input.operation.params.public_access == "true"
	violation := {
		"message": sprintf("%s requests public access", [input.operation.target]),
		"severity": "warning",
	}
}`,
	}
}
