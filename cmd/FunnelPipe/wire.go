package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/FunnelPipe/internal/api"
	"github.com/BTreeMap/FunnelPipe/internal/catalog"
	"github.com/BTreeMap/FunnelPipe/internal/config"
	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/genai"
	"github.com/BTreeMap/FunnelPipe/internal/handoff"
	"github.com/BTreeMap/FunnelPipe/internal/lockfile"
	"github.com/BTreeMap/FunnelPipe/internal/memory"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FunnelPipe/internal/whatsapp"
)

var errUnknownTransport = errors.New("unknown transport")

// closer collects shutdown steps, run in reverse order.
type closer []func()

func (c *closer) add(f func()) { *c = append(*c, f) }

func (c closer) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// run builds every component from flags and serves until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	var cleanup closer
	defer cleanup.run()

	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	cleanup.add(func() { lock.Release() })

	leads, dedup, err := openLeadStore(flags)
	if err != nil {
		return err
	}
	cleanup.add(func() { leads.Close() })

	cat, err := openCatalog(flags)
	if err != nil {
		return err
	}
	if c, ok := cat.(interface{ Close() error }); ok {
		cleanup.add(func() { c.Close() })
	}

	policy, err := config.LoadPolicy(*flags.policyFile)
	if err != nil {
		return err
	}
	prompt, err := flow.LoadSystemPrompt(*flags.promptFile)
	if err != nil {
		return err
	}

	var llm genai.ClientInterface
	if *flags.openaiKey != "" {
		client, err := genai.NewClient(buildGenAIOptions(flags)...)
		if err != nil {
			return fmt.Errorf("genai client: %w", err)
		}
		llm = client
	} else {
		slog.Warn("No OpenAI API key configured, using keyword classifier and reply templates")
	}

	publisher, err := openPublisher(flags, policy)
	if err != nil {
		return err
	}
	cleanup.add(func() { publisher.Close() })

	mem := memory.New(leads)
	orch, err := flow.NewOrchestrator(flow.Dependencies{
		Memory:       mem,
		Catalog:      cat,
		GenAI:        llm,
		Handoff:      publisher,
		Dedup:        dedup,
		Policy:       policy,
		SystemPrompt: prompt,
	})
	if err != nil {
		return err
	}

	apiOpts := buildAPIOptions(flags, cat)
	svc, webhook, err := openTransport(ctx, flags, &cleanup)
	if err != nil {
		return err
	}
	if webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(webhook))
	}
	server, err := api.NewServer(orch, mem, apiOpts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if svc != nil {
		if err := svc.Start(gctx); err != nil {
			return fmt.Errorf("start transport: %w", err)
		}
		rh := messaging.NewResponseHandler(svc, orch, messaging.WithMaxInFlight(int64(*flags.maxInFlight)))
		rh.Start(gctx)
		g.Go(func() error {
			<-gctx.Done()
			err := svc.Stop()
			rh.Wait()
			return err
		})
	}
	g.Go(func() error { return server.Run(gctx) })
	return g.Wait()
}

// openLeadStore picks the lead backend: SQL when a database URL is set, otherwise
// files under the state directory. The file backend keeps dedup entries in memory.
func openLeadStore(flags Flags) (store.LeadRepo, store.DedupRepo, error) {
	dsn := *flags.databaseURL
	switch {
	case dsn == "":
		fs, err := store.NewFileStore(store.WithStateDir(*flags.stateDir))
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Lead store: files", "state_dir", *flags.stateDir)
		return fs, store.NewInMemoryStore(), nil
	case store.DetectDSNType(dsn) == "postgres":
		pg, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		if err != nil {
			return nil, nil, fmt.Errorf("postgres lead store: %w", err)
		}
		slog.Info("Lead store: postgres")
		return pg, pg, nil
	default:
		lite, err := store.NewSQLiteStore(store.WithDSN(dsn))
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite lead store: %w", err)
		}
		slog.Info("Lead store: sqlite", "dsn", dsn)
		return lite, lite, nil
	}
}

// openCatalog prefers a YAML file, then a catalog database. With neither, the
// catalog is empty and the funnel falls back to generic course guidance.
func openCatalog(flags Flags) (catalog.Store, error) {
	switch {
	case *flags.catalogFile != "":
		return catalog.LoadFile(*flags.catalogFile)
	case *flags.catalogDSN != "":
		return catalog.OpenSQL(*flags.catalogDSN)
	default:
		slog.Warn("No catalog configured, course lists will be empty")
		return &catalog.StaticStore{}, nil
	}
}

func openPublisher(flags Flags, policy config.Policy) (handoff.Publisher, error) {
	if *flags.amqpURL == "" {
		return handoff.LogPublisher{}, nil
	}
	var opts []handoff.Option
	if policy.AdvisorQueue != "" {
		opts = append(opts, handoff.WithQueue(policy.AdvisorQueue))
	}
	return handoff.NewRabbitMQPublisher(*flags.amqpURL, opts...)
}

// openTransport connects the configured chat transport. The returned handler is
// the Twilio webhook, nil for other transports.
func openTransport(ctx context.Context, flags Flags, cleanup *closer) (messaging.Service, http.Handler, error) {
	switch *flags.transport {
	case "none", "":
		slog.Info("No chat transport configured, serving POST /turns only")
		return nil, nil, nil
	case "whatsapp":
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("whatsapp client: %w", err)
		}
		cleanup.add(client.Disconnect)
		return messaging.NewWhatsAppService(client), nil, nil
	case "twilio":
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(*flags.twilioSID),
			twiliowhatsapp.WithAuthToken(*flags.twilioToken),
			twiliowhatsapp.WithFromWhats(*flags.twilioFrom),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if *flags.twilioHookURL != "" {
			opts = append(opts, messaging.WithSignatureValidation(
				twiliowhatsapp.NewWebhookValidator(*flags.twilioToken), *flags.twilioHookURL))
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, http.HandlerFunc(svc.WebhookHandler), nil
	default:
		return nil, nil, fmt.Errorf("%w %q", errUnknownTransport, *flags.transport)
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var opts []whatsapp.Option
	if *flags.qrOutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		opts = append(opts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return opts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	opts := []genai.Option{genai.WithAPIKey(*flags.openaiKey)}
	if *flags.openaiModel != "" {
		opts = append(opts, genai.WithModel(*flags.openaiModel))
	}
	if *flags.genaiDebug {
		opts = append(opts, genai.WithDebugMode(true, *flags.stateDir))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, cat catalog.Store) []api.Option {
	opts := []api.Option{
		api.WithHealthCheck("catalog", func(ctx context.Context) error {
			_, err := cat.ListCourses(ctx, models.CourseFilters{Limit: 1})
			return err
		}),
	}
	if *flags.apiAddr != "" {
		opts = append(opts, api.WithAddr(*flags.apiAddr))
	}
	return opts
}
