package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/opgate/opgate/pkg/classifier"
)

// EnvPrefix prefixes environment overrides: OPGATE_GATE_APPROVAL_TIMEOUT
// sets gate.approval_timeout.
const EnvPrefix = "OPGATE_"

var (
	structValidator = validator.New()
	schemas         = NewSchemaRegistry()
)

// Load reads the configuration and validates it. Precedence, lowest first:
// built-in defaults, the YAML file at path (optional), OPGATE_ environment
// variables, then legacy cloud variables for provider fields still empty.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation.
func Read(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(defaultsProvider{cfg: DefaultConfig()}, yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	known := envKeys(k)

	user := koanf.New(".")
	if path != "" {
		if err := user.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := user.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return known[strings.TrimPrefix(s, EnvPrefix)]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.Merge(user); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	applyLegacyEnv(cfg, user)
	return cfg, nil
}

// Validate checks struct constraints, the CUE schemas and that the verb
// tables compile.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Gate.ApprovalTimeout <= 0 {
		return fmt.Errorf("invalid configuration: gate.approval_timeout must be positive")
	}

	for provider := range c.Verbs {
		if err := provider.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: verbs: %w", err)
		}
	}
	if err := schemas.ValidateVerbs(c.Verbs); err != nil {
		return fmt.Errorf("invalid configuration: verbs: %w", err)
	}

	limits := make(map[string]RateLimit, len(c.Dispatch.RateLimits))
	for provider, l := range c.Dispatch.RateLimits {
		if err := provider.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: dispatch.rate_limits: %w", err)
		}
		limits[string(provider)] = l
	}
	if err := schemas.ValidateRateLimits(limits); err != nil {
		return fmt.Errorf("invalid configuration: dispatch.rate_limits: %w", err)
	}

	if _, err := classifier.New(c.Verbs, classifier.Options{DestructiveVerbs: c.DestructiveVerbs}); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: telemetry: %w", err)
	}
	return nil
}

// defaultsProvider feeds a Config to koanf through its YAML encoding.
type defaultsProvider struct {
	cfg *Config
}

func (p defaultsProvider) ReadBytes() ([]byte, error) {
	return yamlv3.Marshal(p.cfg)
}

func (p defaultsProvider) Read() (map[string]interface{}, error) {
	return nil, errors.New("defaults provider does not support this method")
}

// envKeys maps GATE_APPROVAL_TIMEOUT style names to the scalar keys they set.
func envKeys(k *koanf.Koanf) map[string]string {
	out := make(map[string]string)
	for _, key := range k.Keys() {
		if _, isMap := k.Get(key).(map[string]interface{}); isMap {
			continue
		}
		out[strings.ToUpper(strings.ReplaceAll(key, ".", "_"))] = key
	}
	return out
}

func applyLegacyEnv(cfg *Config, user *koanf.Koanf) {
	fill := func(dst *string, vars ...string) {
		if *dst != "" {
			return
		}
		for _, v := range vars {
			if val := os.Getenv(v); val != "" {
				*dst = val
				return
			}
		}
	}

	p := &cfg.Providers
	fill(&p.AWS.Region, "AWS_DEFAULT_REGION", "AWS_REGION")
	fill(&p.AWS.Profile, "AWS_PROFILE")
	fill(&p.GCP.ProjectID, "GCP_PROJECT_ID")
	fill(&p.GCP.Region, "GCP_REGION")
	fill(&p.GCP.Zone, "GCP_ZONE")
	fill(&p.GCP.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	fill(&p.Azure.SubscriptionID, "AZURE_SUBSCRIPTION_ID")
	fill(&p.Azure.Location, "AZURE_LOCATION")

	if p.AWS.Region == "" {
		p.AWS.Region = DefaultAWSRegion
	}
	if p.GCP.Region == "" {
		p.GCP.Region = DefaultGCPRegion
	}
	if p.GCP.Zone == "" {
		p.GCP.Zone = DefaultGCPZone
	}
	if p.Azure.Location == "" {
		p.Azure.Location = DefaultAzureLocation
	}

	if !user.Exists("telemetry.logging.level") {
		if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
			cfg.Telemetry.Logging.Level = strings.ToLower(lvl)
		}
	}
}

// Starter returns the annotated configuration written by "opgate init".
func Starter() []byte {
	return []byte(starterConfig)
}

const starterConfig = `# opgate configuration.
# Every key can be overridden with OPGATE_<SECTION>_<KEY>, e.g. OPGATE_GATE_APPROVAL_TIMEOUT=10m.

# Verb tables decide classification. A verb in neither set is unknown and is
# escalated for an operator to classify; it is never dispatched.
# Entries are verbs, service-scoped "service:verb" pairs, or glob patterns.
verbs:
  aws:
    read: [describe*, list*, get*, head-*, show, read-*]
    write: [create*, delete*, put*, update*, modify*, terminate*, set*, enable*, disable*, attach*, detach*, run-instances, start*, stop*, reboot*]
  gcp:
    read: [describe*, list*, get*, read-*]
    write: [create*, delete*, update*, set*, patch*, add-*, remove-*, enable*, disable*, start*, stop*, resize*]
  azure:
    read: [show*, list*, get*]
    write: [create*, delete*, update*, set*, start*, stop*, restart*, deallocate*]
  kubernetes:
    read: [get, describe, logs, top, explain, api-resources, auth:can-i]
    write: [apply, create, delete, patch, replace, edit, scale, label, annotate, drain, cordon, uncordon, taint, rollout:restart, rollout:undo, set*]
  terraform:
    read: [plan, show, output, validate, state:list, state:show]
    write: [apply, destroy, import, taint, untaint, state:rm, state:mv]

# Extra verbs that raise a mutation to the critical risk tier.
destructive_verbs: [purge, wipe]

gate:
  approval_timeout: 5m
  lock_timeout: 1m

escalation:
  rules_dir: configs/rules
  rule_timeout: 5s

policy:
  enabled: true
  environment: development
  paths: []
  watch: false

dispatch:
  concurrency: 8
  rate_limits:
    aws: {rps: 10, burst: 20}
    gcp: {rps: 10, burst: 20}

store:
  driver: sqlite
  path: opgate.db

providers:
  aws:
    region: ""
  gcp:
    project_id: ""
  azure:
    subscription_id: ""
  kubernetes:
    namespace: default

telemetry:
  logging:
    format: console
  metrics:
    enabled: false
    listen_address: ":9464"
  tracing:
    enabled: false
    exporter: stdout
`
