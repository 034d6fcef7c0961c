// Package classifier maps requested operations to read-only, mutating or unknown.
//
// Each provider carries two disjoint verb sets. Entries are literal verbs ("describe"),
// service-scoped literals ("s3:get-bucket-policy") or glob patterns ("list-*").
// Anything not matched by exactly one set is unknown, and unknown is never safe.
package classifier

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"

	"github.com/opgate/opgate/pkg/engine"
)

// DefaultDestructiveVerbs are verbs that raise a mutation to the critical risk tier.
// A verb is destructive if it equals one of these or starts with "<verb>-".
var DefaultDestructiveVerbs = []string{"delete", "terminate", "destroy", "remove"}

// VerbTable holds the read and write verb sets of one provider.
type VerbTable struct {
	Read  []string `json:"read" yaml:"read" koanf:"read"`
	Write []string `json:"write" yaml:"write" koanf:"write"`
}

// Tables maps providers to their verb tables.
type Tables map[engine.Provider]VerbTable

// Options configures a Classifier.
type Options struct {
	// DestructiveVerbs extends DefaultDestructiveVerbs.
	DestructiveVerbs []string

	Logger zerolog.Logger
}

type verbSet struct {
	literals map[string]struct{}
	patterns []compiledPattern
}

type compiledPattern struct {
	raw string
	g   glob.Glob
}

type providerTable struct {
	read  verbSet
	write verbSet
}

// Classifier classifies operations against per-provider verb tables.
// It is safe for concurrent use.
type Classifier struct {
	mu          sync.RWMutex
	tables      map[engine.Provider]*providerTable
	raw         Tables
	taught      map[engine.Provider]map[string]engine.Classification
	destructive []string
	logger      zerolog.Logger
}

// New compiles the verb tables. It fails on unknown providers, invalid patterns
// and entries that appear in both the read and the write set.
func New(tables Tables, opts Options) (*Classifier, error) {
	compiled, err := compileTables(tables)
	if err != nil {
		return nil, err
	}

	destructive := append([]string{}, DefaultDestructiveVerbs...)
	for _, v := range opts.DestructiveVerbs {
		if n := normalize(v); n != "" {
			destructive = append(destructive, n)
		}
	}

	return &Classifier{
		tables:      compiled,
		raw:         copyTables(tables),
		taught:      make(map[engine.Provider]map[string]engine.Classification),
		destructive: destructive,
		logger:      opts.Logger.With().Str("component", "classifier").Logger(),
	}, nil
}

// Classify returns the classification of (provider, service, verb).
// Lookup order: service-scoped literal, literal, patterns. Within one level a verb
// matched by both sets is unknown. Operator-taught verdicts apply only to verbs the
// tables leave unmatched.
func (c *Classifier) Classify(provider engine.Provider, service, verb string) engine.Classification {
	svc := normalize(service)
	v := normalize(verb)
	if v == "" {
		return engine.ClassUnknown
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	pt, ok := c.tables[provider]
	if !ok {
		return engine.ClassUnknown
	}

	class, matched := pt.lookup(svc, v)
	if matched {
		return class
	}

	if taught, ok := c.taught[provider]; ok {
		if svc != "" {
			if class, ok := taught[scopedKey(svc, v)]; ok {
				return class
			}
		}
		if class, ok := taught[v]; ok {
			return class
		}
	}
	return engine.ClassUnknown
}

// ClassifyOperation stamps the classification and risk tier on op.
// An operation is classified exactly once; a retry needs a new Operation.
func (c *Classifier) ClassifyOperation(op *engine.Operation) (engine.Classification, error) {
	if op == nil {
		return engine.ClassUnknown, engine.NewInvalidRequestError("operation is nil", nil)
	}
	if op.IsClassified() {
		return op.Classification, engine.NewInvalidTransitionError(
			fmt.Sprintf("operation already classified as %s", op.Classification), nil).
			WithStage(engine.StageClassify).
			WithOperation(op.ID)
	}

	class := c.Classify(op.Provider, op.Service, op.Verb)
	op.Classification = class
	op.Risk = c.RiskFor(class, op.Verb)

	c.logger.Debug().
		Str("operation_id", op.ID).
		Str("provider", string(op.Provider)).
		Str("service", op.Service).
		Str("verb", op.Verb).
		Str("classification", string(class)).
		Str("risk", string(op.Risk)).
		Msg("Operation classified")

	return class, nil
}

// RiskFor derives the risk tier of a classified verb.
func (c *Classifier) RiskFor(class engine.Classification, verb string) engine.RiskTier {
	switch class {
	case engine.ClassReadOnly:
		return engine.RiskLow
	case engine.ClassMutating:
		if c.IsDestructive(verb) {
			return engine.RiskCritical
		}
		return engine.RiskHigh
	default:
		return engine.RiskCritical
	}
}

// IsDestructive reports whether verb deletes or terminates something.
func (c *Classifier) IsDestructive(verb string) bool {
	v := normalize(verb)
	for _, d := range c.destructive {
		if v == d || strings.HasPrefix(v, d+"-") {
			return true
		}
	}
	return false
}

// Teach records an operator verdict for a verb the tables do not classify.
// Only the operator role may teach, and a verdict cannot be unknown.
// verb may be service-scoped ("logs:tail").
func (c *Classifier) Teach(role engine.Role, provider engine.Provider, verb string, class engine.Classification) error {
	if !role.CanMutate() {
		return engine.NewUnauthorizedError(engine.StageClassify,
			fmt.Sprintf("role %s may not teach classifications", role))
	}
	if err := provider.Validate(); err != nil {
		return engine.NewInvalidRequestError("invalid provider", err)
	}
	if class != engine.ClassReadOnly && class != engine.ClassMutating {
		return engine.NewInvalidRequestError(
			fmt.Sprintf("verdict must be %s or %s, got %q", engine.ClassReadOnly, engine.ClassMutating, class), nil)
	}
	key := normalize(verb)
	if key == "" {
		return engine.NewInvalidRequestError("verb is required", nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.taught[provider] == nil {
		c.taught[provider] = make(map[string]engine.Classification)
	}
	c.taught[provider][key] = class

	c.logger.Info().
		Str("provider", string(provider)).
		Str("verb", key).
		Str("classification", string(class)).
		Msg("Classification taught by operator")
	return nil
}

// Taught returns a copy of the operator-taught verdicts of provider.
func (c *Classifier) Taught(provider engine.Provider) map[string]engine.Classification {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]engine.Classification, len(c.taught[provider]))
	for k, v := range c.taught[provider] {
		out[k] = v
	}
	return out
}

// Replace swaps the verb tables atomically. On error the current tables are kept.
// Taught verdicts survive a replace.
func (c *Classifier) Replace(tables Tables) error {
	compiled, err := compileTables(tables)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tables = compiled
	c.raw = copyTables(tables)
	c.mu.Unlock()

	c.logger.Info().Int("providers", len(compiled)).Msg("Verb tables replaced")
	return nil
}

// Tables returns a copy of the configured verb tables.
func (c *Classifier) Tables() Tables {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyTables(c.raw)
}

// Providers returns the providers that have a verb table, sorted.
func (c *Classifier) Providers() []engine.Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]engine.Provider, 0, len(c.tables))
	for p := range c.tables {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// lookup matches svc and verb at every level: service-scoped literals, bare
// literals and patterns. A verb that any level places in the read set and any
// level places in the write set is unknown.
func (pt *providerTable) lookup(svc, verb string) (engine.Classification, bool) {
	read, write := pt.read.hasLiteral(verb), pt.write.hasLiteral(verb)
	if svc != "" {
		key := scopedKey(svc, verb)
		read = read || pt.read.hasLiteral(key)
		write = write || pt.write.hasLiteral(key)
	}
	read = read || pt.read.matchPattern(svc, verb)
	write = write || pt.write.matchPattern(svc, verb)
	return decide(read, write)
}

func decide(read, write bool) (engine.Classification, bool) {
	switch {
	case read && write:
		return engine.ClassUnknown, true
	case read:
		return engine.ClassReadOnly, true
	case write:
		return engine.ClassMutating, true
	default:
		return "", false
	}
}

func (s *verbSet) hasLiteral(key string) bool {
	_, ok := s.literals[key]
	return ok
}

func (s *verbSet) matchPattern(svc, verb string) bool {
	for _, p := range s.patterns {
		if p.g.Match(verb) {
			return true
		}
		if svc != "" && p.g.Match(scopedKey(svc, verb)) {
			return true
		}
	}
	return false
}

func compileTables(tables Tables) (map[engine.Provider]*providerTable, error) {
	out := make(map[engine.Provider]*providerTable, len(tables))
	for provider, table := range tables {
		if err := provider.Validate(); err != nil {
			return nil, fmt.Errorf("verb table: %w", err)
		}

		read, err := compileSet(table.Read)
		if err != nil {
			return nil, fmt.Errorf("provider %s read set: %w", provider, err)
		}
		write, err := compileSet(table.Write)
		if err != nil {
			return nil, fmt.Errorf("provider %s write set: %w", provider, err)
		}

		if err := checkDisjoint(read, write); err != nil {
			return nil, fmt.Errorf("provider %s: %w", provider, err)
		}

		out[provider] = &providerTable{read: read, write: write}
	}
	return out, nil
}

func compileSet(entries []string) (verbSet, error) {
	set := verbSet{literals: make(map[string]struct{}, len(entries))}
	for _, entry := range entries {
		e := normalize(entry)
		if e == "" {
			return verbSet{}, fmt.Errorf("empty verb entry")
		}
		if strings.HasPrefix(e, ":") || strings.HasSuffix(e, ":") {
			return verbSet{}, fmt.Errorf("malformed service-scoped entry %q", entry)
		}
		if isPattern(e) {
			g, err := glob.Compile(e)
			if err != nil {
				return verbSet{}, fmt.Errorf("invalid verb pattern %q: %w", entry, err)
			}
			set.patterns = append(set.patterns, compiledPattern{raw: e, g: g})
			continue
		}
		set.literals[e] = struct{}{}
	}
	return set, nil
}

// checkDisjoint rejects literals present in both sets and literals matched by a
// pattern of the opposite set. A service-scoped literal is also checked by its
// verb part, so "s3:delete" cannot be read when "delete" is write.
func checkDisjoint(read, write verbSet) error {
	if err := checkAgainst(read, write, "read", "write"); err != nil {
		return err
	}
	return checkAgainst(write, read, "write", "read")
}

func checkAgainst(set, opposite verbSet, name, oppositeName string) error {
	for lit := range set.literals {
		for _, key := range literalKeys(lit) {
			if opposite.hasLiteral(key) {
				return fmt.Errorf("%s verb %q conflicts with %s verb %q", name, lit, oppositeName, key)
			}
			if p, ok := matchingPattern(opposite, key); ok {
				return fmt.Errorf("%s verb %q matches %s pattern %q", name, lit, oppositeName, p)
			}
		}
	}
	return nil
}

// literalKeys returns lit and, for a service-scoped literal, its verb part.
func literalKeys(lit string) []string {
	if i := strings.LastIndex(lit, ":"); i >= 0 {
		return []string{lit, lit[i+1:]}
	}
	return []string{lit}
}

func matchingPattern(set verbSet, literal string) (string, bool) {
	for _, p := range set.patterns {
		if p.g.Match(literal) {
			return p.raw, true
		}
	}
	return "", false
}

func isPattern(entry string) bool {
	return strings.ContainsAny(entry, "*?[{")
}

func scopedKey(service, verb string) string {
	return service + ":" + verb
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func copyTables(tables Tables) Tables {
	out := make(Tables, len(tables))
	for p, t := range tables {
		out[p] = VerbTable{
			Read:  append([]string(nil), t.Read...),
			Write: append([]string(nil), t.Write...),
		}
	}
	return out
}
