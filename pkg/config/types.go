package config

import (
	"time"

	"github.com/opgate/opgate/pkg/classifier"
	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/telemetry"
)

// Config is the complete opgate configuration.
type Config struct {
	// Verbs are the per-provider read and write verb sets. There are no
	// built-in tables; a configuration without them does not validate.
	Verbs classifier.Tables `koanf:"verbs" yaml:"verbs" validate:"required,min=1"`

	// DestructiveVerbs extend the verbs that raise a mutation to critical risk.
	DestructiveVerbs []string `koanf:"destructive_verbs" yaml:"destructive_verbs" validate:"dive,required"`

	Gate       GateConfig       `koanf:"gate" yaml:"gate"`
	Escalation EscalationConfig `koanf:"escalation" yaml:"escalation"`
	Policy     PolicyConfig     `koanf:"policy" yaml:"policy"`
	Dispatch   DispatchConfig   `koanf:"dispatch" yaml:"dispatch"`
	Store      StoreConfig      `koanf:"store" yaml:"store"`
	Providers  ProvidersConfig  `koanf:"providers" yaml:"providers"`

	Telemetry telemetry.Config `koanf:"telemetry" yaml:"telemetry"`
}

// GateConfig configures the confirmation gate.
type GateConfig struct {
	// ApprovalTimeout moves an awaiting request to expired. Required.
	ApprovalTimeout time.Duration `koanf:"approval_timeout" yaml:"approval_timeout" validate:"required"`

	// LockTimeout bounds the wait for another request on the same target.
	LockTimeout time.Duration `koanf:"lock_timeout" yaml:"lock_timeout" validate:"gt=0"`
}

// EscalationConfig configures prerequisite detection.
type EscalationConfig struct {
	// RulesDir holds Starlark prerequisite rules (*.star). Empty disables them.
	RulesDir string `koanf:"rules_dir" yaml:"rules_dir"`

	// RuleTimeout bounds one rule evaluation.
	RuleTimeout time.Duration `koanf:"rule_timeout" yaml:"rule_timeout" validate:"gt=0"`
}

// PolicyConfig configures guardrail policies.
type PolicyConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`

	// Paths are extra .rego or .json policy files and directories.
	Paths []string `koanf:"paths" yaml:"paths"`

	// Watch reloads Paths on change.
	Watch bool `koanf:"watch" yaml:"watch"`

	// Environment is passed to policies as input.context.environment.
	Environment string `koanf:"environment" yaml:"environment" validate:"required"`
}

// RateLimit is a token bucket for one provider.
type RateLimit struct {
	RPS   float64 `koanf:"rps" yaml:"rps" validate:"gt=0"`
	Burst int     `koanf:"burst" yaml:"burst" validate:"gte=1"`
}

// DispatchConfig configures adapter dispatch.
type DispatchConfig struct {
	// Concurrency bounds read-only fan-out.
	Concurrency int `koanf:"concurrency" yaml:"concurrency" validate:"gte=1,lte=64"`

	// RateLimits are keyed by provider. Providers without an entry are not limited.
	RateLimits map[engine.Provider]RateLimit `koanf:"rate_limits" yaml:"rate_limits" validate:"dive"`
}

// StoreConfig selects where session logs are persisted.
type StoreConfig struct {
	// Driver is sqlite, journal (JSONL file) or memory.
	Driver string `koanf:"driver" yaml:"driver" validate:"oneof=sqlite journal memory"`

	// Path is the database or journal file.
	Path string `koanf:"path" yaml:"path" validate:"required_unless=Driver memory"`
}

// ProvidersConfig holds per-provider connection settings.
type ProvidersConfig struct {
	AWS        AWSConfig        `koanf:"aws" yaml:"aws"`
	GCP        GCPConfig        `koanf:"gcp" yaml:"gcp"`
	Azure      AzureConfig      `koanf:"azure" yaml:"azure"`
	Kubernetes KubernetesConfig `koanf:"kubernetes" yaml:"kubernetes"`
	Terraform  TerraformConfig  `koanf:"terraform" yaml:"terraform"`

	// Remote runs CLI providers over SSH when Host is set.
	Remote RemoteConfig `koanf:"remote" yaml:"remote"`
}

// AWSConfig configures the S3 adapter.
type AWSConfig struct {
	Region  string `koanf:"region" yaml:"region"`
	Profile string `koanf:"profile" yaml:"profile"`

	// Endpoint overrides the S3 endpoint (e.g., a local S3-compatible server).
	Endpoint string `koanf:"endpoint" yaml:"endpoint" validate:"omitempty,url"`
}

// GCPConfig configures the Cloud Storage adapter.
type GCPConfig struct {
	ProjectID       string `koanf:"project_id" yaml:"project_id"`
	Region          string `koanf:"region" yaml:"region"`
	Zone            string `koanf:"zone" yaml:"zone"`
	CredentialsFile string `koanf:"credentials_file" yaml:"credentials_file"`
}

// AzureConfig configures the az CLI adapter.
type AzureConfig struct {
	SubscriptionID string `koanf:"subscription_id" yaml:"subscription_id"`
	Location       string `koanf:"location" yaml:"location"`
	Binary         string `koanf:"binary" yaml:"binary"`
}

// KubernetesConfig configures the kubectl adapter.
type KubernetesConfig struct {
	Context   string `koanf:"context" yaml:"context"`
	Namespace string `koanf:"namespace" yaml:"namespace"`
	Binary    string `koanf:"binary" yaml:"binary"`
}

// TerraformConfig configures the terraform adapter.
type TerraformConfig struct {
	Dir    string `koanf:"dir" yaml:"dir"`
	Binary string `koanf:"binary" yaml:"binary"`
}

// RemoteConfig configures the SSH runner.
type RemoteConfig struct {
	Host           string        `koanf:"host" yaml:"host" validate:"omitempty,hostname|ip"`
	Port           int           `koanf:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	User           string        `koanf:"user" yaml:"user" validate:"required_with=Host"`
	KeyFile        string        `koanf:"key_file" yaml:"key_file"`
	KnownHostsFile string        `koanf:"known_hosts_file" yaml:"known_hosts_file"`
	Timeout        time.Duration `koanf:"timeout" yaml:"timeout"`
}

// Default regions applied after the legacy environment fallbacks.
const (
	DefaultAWSRegion     = "us-east-1"
	DefaultGCPRegion     = "us-central1"
	DefaultGCPZone       = "us-central1-a"
	DefaultAzureLocation = "eastus"
)

// DefaultConfig returns the built-in defaults. They carry neither verb tables
// nor an approval timeout, so DefaultConfig alone does not validate.
func DefaultConfig() *Config {
	return &Config{
		Gate: GateConfig{
			LockTimeout: time.Minute,
		},
		Escalation: EscalationConfig{
			RuleTimeout: 5 * time.Second,
		},
		Policy: PolicyConfig{
			Enabled:     true,
			Environment: "development",
		},
		Dispatch: DispatchConfig{
			Concurrency: 8,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "opgate.db",
		},
		Providers: ProvidersConfig{
			Azure:      AzureConfig{Binary: "az"},
			Kubernetes: KubernetesConfig{Binary: "kubectl"},
			Terraform:  TerraformConfig{Binary: "terraform", Dir: "."},
			Remote:     RemoteConfig{Port: 22, Timeout: 30 * time.Second},
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}
