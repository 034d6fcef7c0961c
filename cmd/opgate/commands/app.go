package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opgate/opgate/pkg/classifier"
	"github.com/opgate/opgate/pkg/config"
	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/escalation"
	"github.com/opgate/opgate/pkg/gate"
	"github.com/opgate/opgate/pkg/guard"
	"github.com/opgate/opgate/pkg/policy"
	"github.com/opgate/opgate/pkg/providers/awscloud"
	"github.com/opgate/opgate/pkg/providers/cli"
	"github.com/opgate/opgate/pkg/providers/gcpcloud"
	"github.com/opgate/opgate/pkg/session"
	"github.com/opgate/opgate/pkg/stores"
	"github.com/opgate/opgate/pkg/telemetry"
	"github.com/opgate/opgate/pkg/transports/ssh"
)

// appOptions selects the parts of the pipeline a command needs.
type appOptions struct {
	// adapters registers provider adapters and builds the guard.
	adapters bool

	// watch reloads verb tables and policies while the command runs.
	watch bool
}

// app is one CLI invocation: a session plus everything wired around it.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	role   engine.Role
	actor  string

	store   *stores.SQLiteStore
	history map[string]*engine.Operation

	session     *session.Context
	classifier  *classifier.Classifier
	policies    *policy.Engine
	gate        *gate.Gate
	coordinator *escalation.Coordinator
	guard       *guard.Guard

	closers []func(context.Context) error
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	role, err := engine.ParseRole(roleName)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:     cfg,
		tel:     tel,
		logger:  tel.Logger.Zerolog(),
		role:    role,
		actor:   actorName,
		history: make(map[string]*engine.Operation),
	}
	a.closers = append(a.closers, tel.Shutdown)

	if err := a.wire(ctx, opts); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) error {
	if err := a.tel.Metrics.StartMetricsServer(a.logger); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	sink, restored, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	sessionID := uuid.New().String()
	a.session = session.New(sessionID, sink,
		session.WithLogger(a.logger),
		session.WithAppendHook(func(session.Entry) { a.tel.Metrics.RecordSessionEntry() }),
	)
	if a.store != nil {
		if err := a.store.CreateSession(ctx, &stores.Session{
			ID:        sessionID,
			Role:      a.role,
			StartedAt: a.session.StartedAt(),
		}); err != nil {
			return err
		}
	}
	a.closers = append(a.closers, a.closeSession)

	a.classifier, err = classifier.New(a.cfg.Verbs, classifier.Options{
		DestructiveVerbs: a.cfg.DestructiveVerbs,
		Logger:           a.logger,
	})
	if err != nil {
		return err
	}

	observer := guard.NewObserver(a.tel, sessionID)
	coordOpts := []escalation.Option{
		escalation.WithLearner(a.classifier),
		escalation.WithRecorder(a.session),
		escalation.WithObserver(observer),
	}
	if a.store != nil {
		coordOpts = append(coordOpts, escalation.WithStore(a.store))
	}
	a.coordinator = escalation.New(a.ledger(ctx), a.logger, coordOpts...)
	a.coordinator.Restore(restored)
	a.replayVerdicts(restored)

	if !opts.adapters {
		return nil
	}

	var checker guard.PolicyChecker
	if a.cfg.Policy.Enabled {
		a.policies, err = policy.NewEngine(a.logger)
		if err != nil {
			return fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(a.cfg.Policy.Paths) > 0 {
			if err := a.policies.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
				return err
			}
			if opts.watch && a.cfg.Policy.Watch {
				if err := a.policies.Watch(ctx, a.cfg.Policy.Paths); err != nil {
					return err
				}
				a.closers = append(a.closers, func(context.Context) error { return a.policies.Close() })
			}
		}
		checker = a.policies
	}

	var detector escalation.Detector
	if dir := a.cfg.Escalation.RulesDir; dir != "" {
		rules := escalation.NewRuleSet(a.cfg.Escalation.RuleTimeout, a.logger)
		if err := rules.LoadDir(dir); err != nil {
			return err
		}
		detector = rules
	}

	a.gate, err = gate.New(gate.Config{
		ApprovalTimeout: a.cfg.Gate.ApprovalTimeout,
		LockTimeout:     a.cfg.Gate.LockTimeout,
	}, gate.NewTerminalPrompter(os.Stdin, os.Stderr, a.role, a.actor), a.logger, gate.WithObserver(observer))
	if err != nil {
		return err
	}

	registry, err := a.registerAdapters(ctx)
	if err != nil {
		return err
	}

	a.guard, err = guard.New(guard.Config{
		Environment: a.cfg.Policy.Environment,
		Concurrency: a.cfg.Dispatch.Concurrency,
	}, guard.Deps{
		Classifier:  a.classifier,
		Policies:    checker,
		Gate:        a.gate,
		Coordinator: a.coordinator,
		Detector:    detector,
		Session:     a.session,
		Adapters:    registry,
		Telemetry:   a.tel,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}

	a.tel.Events.Subscribe(func(ev telemetry.Event) {
		a.logger.Warn().
			Str("ticket_id", ev.TicketID).
			Str("operation_id", ev.OperationID).
			Msg(ev.Message)
	}, telemetry.FilterByType(telemetry.EventTypeEscalationOpened))

	if opts.watch {
		return a.watchConfig(ctx)
	}
	return nil
}

// openStore opens the configured session store and returns the sink for the
// new session plus the tickets of earlier sessions.
func (a *app) openStore(ctx context.Context) (session.Sink, []*engine.Ticket, error) {
	switch a.cfg.Store.Driver {
	case "sqlite":
		store, err := stores.NewSQLiteStore(stores.Config{Path: a.cfg.Store.Path})
		if err != nil {
			return nil, nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })

		tickets, err := store.ListTickets(ctx, stores.TicketFilter{})
		if err != nil {
			return nil, nil, err
		}
		return store, tickets, nil

	case "journal":
		tickets, err := a.loadJournal(a.cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		sink, err := session.NewJournalSink(a.cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return sink.Close() })
		return sink, tickets, nil

	default:
		return nil, nil, nil
	}
}

// loadJournal indexes the operations of earlier sessions and returns the latest
// snapshot of each ticket.
func (a *app) loadJournal(path string) ([]*engine.Ticket, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	entries, err := session.ReadJournal(path)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*engine.Ticket)
	var order []string
	for _, e := range entries {
		switch e.Kind {
		case session.EntryOperation:
			a.history[e.Operation.ID] = e.Operation
		case session.EntryTicket:
			if _, seen := latest[e.Ticket.ID]; !seen {
				order = append(order, e.Ticket.ID)
			}
			latest[e.Ticket.ID] = e.Ticket
		}
	}
	tickets := make([]*engine.Ticket, 0, len(order))
	for _, id := range order {
		tickets = append(tickets, latest[id])
	}
	return tickets, nil
}

// ledger resolves operations of this session first, then earlier sessions.
func (a *app) ledger(ctx context.Context) engine.Ledger {
	chain := ledgerChain{a.session, historyLedger(a.history)}
	if a.store != nil {
		chain = append(chain, a.store.Ledger(ctx))
	}
	return chain
}

type ledgerChain []engine.Ledger

func (c ledgerChain) Lookup(operationID string) (*engine.Operation, bool) {
	for _, l := range c {
		if op, ok := l.Lookup(operationID); ok {
			return op, true
		}
	}
	return nil, false
}

type historyLedger map[string]*engine.Operation

func (h historyLedger) Lookup(operationID string) (*engine.Operation, bool) {
	op, ok := h[operationID]
	if !ok {
		return nil, false
	}
	return op.Clone(), true
}

// replayVerdicts re-teaches classifications that operators gave in earlier
// sessions.
func (a *app) replayVerdicts(tickets []*engine.Ticket) {
	for _, t := range tickets {
		if t.Status != engine.TicketResolved || t.RequiredCapability.Kind != engine.CapabilityDisambiguate || t.Verdict == "" {
			continue
		}
		c := t.RequiredCapability
		if err := a.classifier.Teach(engine.OperatorRole, c.Provider, c.VerbKey(), t.Verdict); err != nil {
			a.logger.Warn().Err(err).Str("ticket_id", t.ID).Msg("Failed to replay verdict")
		}
	}
}

func (a *app) registerAdapters(ctx context.Context) (*guard.Registry, error) {
	limits := make(map[engine.Provider]guard.RateLimit, len(a.cfg.Dispatch.RateLimits))
	for p, l := range a.cfg.Dispatch.RateLimits {
		limits[p] = guard.RateLimit{RPS: l.RPS, Burst: l.Burst}
	}
	registry := guard.NewRegistry(limits)
	pc := a.cfg.Providers

	// Cloud SDK adapters that fail to initialize stay unregistered; their
	// operations fail as UNSUPPORTED instead of blocking every other provider.
	if s3, err := awscloud.New(ctx, awscloud.Config{
		Region:   pc.AWS.Region,
		Profile:  pc.AWS.Profile,
		Endpoint: pc.AWS.Endpoint,
	}, a.logger); err != nil {
		a.logger.Warn().Err(err).Msg("AWS adapter unavailable")
	} else if err := registry.Register(engine.ProviderAWS, s3); err != nil {
		return nil, err
	}

	if gcs, err := gcpcloud.New(ctx, gcpcloud.Config{
		ProjectID:       pc.GCP.ProjectID,
		CredentialsFile: pc.GCP.CredentialsFile,
	}, a.logger); err != nil {
		a.logger.Warn().Err(err).Msg("GCP adapter unavailable")
	} else {
		a.closers = append(a.closers, func(context.Context) error { return gcs.Close() })
		if err := registry.Register(engine.ProviderGCP, gcs); err != nil {
			return nil, err
		}
	}

	runner, err := a.remoteRunner()
	if err != nil {
		return nil, err
	}
	clis := map[engine.Provider]cli.ArgBuilder{
		engine.ProviderAzure: cli.Az(cli.AzureConfig{
			Binary:         pc.Azure.Binary,
			SubscriptionID: pc.Azure.SubscriptionID,
		}),
		engine.ProviderKubernetes: cli.Kubectl(cli.KubernetesConfig{
			Binary:    pc.Kubernetes.Binary,
			Context:   pc.Kubernetes.Context,
			Namespace: pc.Kubernetes.Namespace,
		}),
		engine.ProviderTerraform: cli.Terraform(cli.TerraformConfig{
			Binary: pc.Terraform.Binary,
			Dir:    pc.Terraform.Dir,
		}),
	}
	for p, build := range clis {
		if err := registry.Register(p, cli.New(p, build, runner, a.logger)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// remoteRunner returns nil unless a remote host is configured.
func (a *app) remoteRunner() (cli.Runner, error) {
	rc := a.cfg.Providers.Remote
	if rc.Host == "" {
		return nil, nil
	}

	sc := ssh.DefaultConfig(rc.Host, rc.User)
	if rc.Port != 0 {
		sc.Port = rc.Port
	}
	if rc.Timeout > 0 {
		sc.ConnectionTimeout = rc.Timeout
	}
	if rc.KnownHostsFile != "" {
		sc.KnownHostsPath = rc.KnownHostsFile
	}
	switch {
	case rc.KeyFile != "":
		sc.AuthMethod = ssh.AuthMethodKey
		sc.PrivateKeyPath = rc.KeyFile
	case os.Getenv("SSH_AUTH_SOCK") != "":
		sc.AuthMethod = ssh.AuthMethodAgent
	}
	sc.KeepAliveInterval = 30 * time.Second

	client, err := ssh.NewClient(sc, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure remote host: %w", err)
	}
	runner := cli.NewSSHRunner(client, rc.User+"@"+rc.Host)
	a.closers = append(a.closers, func(context.Context) error { return runner.Close() })
	return runner, nil
}

func (a *app) watchConfig(ctx context.Context) error {
	watcher := config.NewWatcher(configPath, a.logger)
	err := watcher.Start(ctx, func(cfg *config.Config) {
		if err := a.classifier.Replace(cfg.Verbs); err != nil {
			a.logger.Error().Err(err).Msg("Rejected reloaded verb tables")
			return
		}
		a.logger.Info().Msg("Verb tables reloaded")
		a.audit(ctx, "config.reloaded", configPath, nil)
	}, func(err error) {
		a.logger.Error().Err(err).Msg("Configuration reload failed, keeping previous configuration")
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func(context.Context) error { return watcher.Stop() })
	return nil
}

// audit writes an audit entry when the store supports it.
func (a *app) audit(ctx context.Context, action, targetID string, details map[string]interface{}) {
	if a.store == nil {
		return
	}
	entry := &stores.AuditEntry{
		Action:    action,
		Actor:     a.actor,
		Timestamp: time.Now(),
	}
	if targetID != "" {
		entry.TargetID = &targetID
	}
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			s := string(b)
			entry.Details = &s
		}
	}
	if err := a.store.CreateAuditEntry(ctx, entry); err != nil {
		a.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

func (a *app) closeSession(ctx context.Context) error {
	if err := a.session.Close(ctx); err != nil {
		return err
	}
	if a.store == nil {
		return nil
	}
	if err := a.store.CloseSession(ctx, a.session.ID(), time.Now()); err != nil {
		return err
	}
	a.audit(ctx, "session.closed", a.session.ID(), map[string]interface{}{"entries": a.session.Len()})
	return nil
}

// Close releases everything in reverse order of acquisition. The session is
// flushed even when the command's context has been cancelled.
func (a *app) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func defaultActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
