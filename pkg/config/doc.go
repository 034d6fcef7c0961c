// Package config loads the opgate configuration.
//
// Configuration is layered with koanf, lowest precedence first:
//
//  1. built-in defaults (DefaultConfig)
//  2. a YAML file, usually opgate.yaml
//  3. OPGATE_ environment variables (OPGATE_GATE_APPROVAL_TIMEOUT=10m)
//  4. legacy cloud variables (AWS_DEFAULT_REGION, GCP_PROJECT_ID, GCP_REGION,
//     GCP_ZONE, AZURE_SUBSCRIPTION_ID, AZURE_LOCATION), only for empty fields
//
// There are no built-in verb tables and no built-in approval timeout. Load
// fails until both are configured; "opgate init" writes a starter file.
//
// Validation runs go-playground/validator struct tags, the embedded CUE
// schemas in SchemaRegistry, and compiles the verb tables the way the
// classifier will.
//
// Watcher reloads the file on change, debounced, and delivers only
// configurations that validate.
package config
