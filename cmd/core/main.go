// Command core is the Grace control-plane process: a single long-lived
// binary exposing the Control API (serve) plus a thin operator CLI that
// opens the same data directory directly (propose/approve/readiness/log
// verify/replay), matching the teacher's thin cmd/ entries that delegate
// immediately into infrastructure/service packages.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grace-platform/core/infrastructure/logging"
	"github.com/grace-platform/core/infrastructure/runtime"
	"github.com/grace-platform/core/infrastructure/security"
	"github.com/grace-platform/core/infrastructure/statecache"
	"github.com/grace-platform/core/internal/api"
	"github.com/grace-platform/core/internal/approval"
	"github.com/grace-platform/core/internal/benchmark"
	"github.com/grace-platform/core/internal/clockid"
	"github.com/grace-platform/core/internal/gate"
	"github.com/grace-platform/core/internal/kpi"
	"github.com/grace-platform/core/internal/ledger"
	"github.com/grace-platform/core/internal/mesh"
	"github.com/grace-platform/core/internal/policy"
	pkgconfig "github.com/grace-platform/core/pkg/config"
	"github.com/grace-platform/core/pkg/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}

	cfg, err := pkgconfig.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "grace core:", err)
		return 1
	}
	logger := logging.NewFromEnv("core")

	switch args[0] {
	case "serve":
		return cmdServe(cfg, logger, args[1:])
	case "propose":
		return cmdPropose(cfg, logger, args[1:])
	case "approve":
		return cmdApprove(cfg, logger, args[1:])
	case "readiness":
		return cmdReadiness(cfg, logger, args[1:])
	case "log":
		return cmdLog(cfg, logger, args[1:])
	case "replay":
		return cmdReplay(cfg, logger, args[1:])
	case "version":
		fmt.Println(version.FullVersion())
		return 0
	default:
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Grace core — policy-gated, event-driven control-plane

Usage:
  core serve [--http-addr ADDR]
  core propose <actor> <action> <resource> [--payload JSON] [--correlation-id ID] [--await] [--timeout SECONDS]
  core approve <request_id> <approver> {approve|reject} [--reason TEXT]
  core readiness
  core log verify [--from SEQ] [--to SEQ]
  core replay <pattern> [--from SEQ]
  core version

Configuration is read from the environment (GRACE_CORE_DATA_DIR is required); see SPEC_FULL.md §A.3.`)
}

// components bundles every bootstrapped piece of Grace Core. Built once by
// bootstrap and shared by serve and every one-shot CLI subcommand, so the
// CLI works directly against the data directory with no server running —
// the required mode for "core log verify" right after a corrupted restart
// (spec.md §8 scenario S4).
type components struct {
	log        *ledger.Log
	mesh       *mesh.Mesh
	policies   *policy.Store
	approvals  *approval.Queue
	gateway    *gate.Gate
	registry   *kpi.Registry
	collector  *kpi.Collector
	aggregator *benchmark.Aggregator
	engine     *benchmark.Engine
	mirror     *statecache.Mirror
}

func bootstrap(ctx context.Context, cfg *pkgconfig.Config, logger *logging.Logger) (*components, error) {
	clock := clockid.SystemClock{}

	log, err := ledger.Open(cfg.DataDir, ledger.Options{
		SegmentBytes:       cfg.SegmentBytes,
		Clock:              clock,
		RecoveryVerifyTail: cfg.RecoveryVerifyTail,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}

	policies, err := policy.New(log)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("open policy store: %w", err)
	}
	if cfg.PolicySeedDir != "" {
		seeder := policy.NewSeedLoader(cfg.PolicySeedDir, policies, logger)
		if err := seeder.LoadAll(ctx); err != nil {
			log.Close()
			return nil, fmt.Errorf("load policy seeds: %w", err)
		}
		if err := seeder.Watch(ctx); err != nil {
			logger.WithError(err).Warn("policy seed watch disabled")
		}
	}

	approvals, err := approval.New(log, clock)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("open approval queue: %w", err)
	}
	if err := approvals.StartExpirySweep(ctx); err != nil {
		logger.WithError(err).Warn("approval expiry sweep disabled")
	}

	m := mesh.New(log, clock)
	gw := gate.New(log, policies, approvals, m, clock, gate.Options{})

	registry := kpi.NewRegistry()
	if err := kpi.LoadSeedDir(cfg.KPISeedDir, registry, logger); err != nil {
		log.Close()
		return nil, fmt.Errorf("load kpi seeds: %w", err)
	}
	collector := kpi.New(log, registry, clock)

	aggregator := benchmark.NewAggregator(collector, registry)
	engine := benchmark.NewEngine(log, aggregator, m)
	engine.SetLogger(logger)
	if err := engine.Rebuild(); err != nil {
		log.Close()
		return nil, fmt.Errorf("rebuild benchmark engine: %w", err)
	}

	var mirror *statecache.Mirror
	if cfg.StateDBURL != "" {
		mirror, err = statecache.Open(cfg.StateDBURL, logger)
		if err != nil {
			// Connection errors can echo the DSN back verbatim (including its
			// embedded credentials), so scrub before it reaches the log sink.
			logger.Warn(ctx, "state mirror unavailable, continuing without it", map[string]interface{}{
				"error": security.SanitizeError(err),
			})
			mirror = nil
		} else {
			engine.SetMirror(mirror)
		}
	}

	return &components{
		log: log, mesh: m, policies: policies, approvals: approvals, gateway: gw,
		registry: registry, collector: collector, aggregator: aggregator, engine: engine, mirror: mirror,
	}, nil
}

func (c *components) Close() {
	if c.mirror != nil {
		_ = c.mirror.Close()
	}
	_ = c.log.Close()
}

func cmdServe(cfg *pkgconfig.Config, logger *logging.Logger, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	httpAddr := fs.String("http-addr", cfg.HTTPAddr, "Control API bind address")
	fs.Parse(args)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := runtime.Env()
	logger.Info(ctx, "starting grace core", map[string]interface{}{"environment": string(env), "data_dir": cfg.DataDir})
	if runtime.IsDevelopment() {
		logger.Warn(ctx, "GRACE_ENV is development or unset, not recommended for a production data directory", nil)
	}

	c, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("bootstrap failed")
		return 1
	}
	defer c.Close()

	if err := c.engine.StartScheduler(ctx, cfg.EvalPeriod); err != nil {
		logger.WithError(err).Error("start benchmark scheduler")
		return 1
	}

	server := api.NewServer(api.Deps{
		Log: c.log, Mesh: c.mesh, Policies: c.policies, Approvals: c.approvals, Gate: c.gateway,
		Collector: c.collector, Aggregator: c.aggregator, Engine: c.engine, Logger: logger, DataDir: cfg.DataDir,
	})

	httpServer := &http.Server{
		Addr:              *httpAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "grace core listening", map[string]interface{}{"addr": *httpAddr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		logger.WithError(err).Error("http server failed")
		return 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	cancel() // stop background schedulers/watchers
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
		return 1
	}
	return 0
}

func cmdPropose(cfg *pkgconfig.Config, logger *logging.Logger, args []string) int {
	fs := flag.NewFlagSet("propose", flag.ExitOnError)
	payload := fs.String("payload", "", "action payload (JSON)")
	correlationID := fs.String("correlation-id", "", "idempotency correlation id")
	await := fs.Bool("await", false, "block until a review decision resolves")
	timeoutSec := fs.Int("timeout", 30, "await timeout in seconds")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 3 {
		fmt.Fprintln(os.Stderr, "usage: core propose <actor> <action> <resource> [flags]")
		return 1
	}
	actor, action, resource := rest[0], rest[1], rest[2]

	ctx := context.Background()
	c, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap failed:", err)
		return 1
	}
	defer c.Close()

	var payloadBytes []byte
	if *payload != "" {
		payloadBytes = []byte(*payload)
	}

	decision, err := c.gateway.Propose(ctx, actor, action, resource, payloadBytes, *correlationID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "propose failed:", err)
		return 1
	}
	printJSON(decision)

	switch decision.Effect {
	case policy.EffectAllow:
		return 0
	case policy.EffectBlock:
		return 2
	case policy.EffectReview:
		if !*await {
			return 3
		}
		outcome, err := c.gateway.AwaitApproval(ctx, decision.ProposalID, time.Duration(*timeoutSec)*time.Second)
		if err != nil {
			fmt.Fprintln(os.Stderr, "await approval failed:", err)
			return 4
		}
		fmt.Println("outcome:", outcome)
		if outcome == approval.OutcomeAllow {
			return 0
		}
		return 4
	default:
		return 1
	}
}

func cmdApprove(cfg *pkgconfig.Config, logger *logging.Logger, args []string) int {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	reason := fs.String("reason", "", "reason for the decision")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 3 {
		fmt.Fprintln(os.Stderr, "usage: core approve <request_id> <approver> {approve|reject} [--reason TEXT]")
		return 1
	}
	requestID, approver, decisionStr := rest[0], rest[1], rest[2]

	ctx := context.Background()
	c, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap failed:", err)
		return 1
	}
	defer c.Close()

	updated, err := c.approvals.Submit(ctx, requestID, approver, approval.Decision(decisionStr), *reason)
	if err != nil {
		fmt.Fprintln(os.Stderr, "submit approval failed:", err)
		return 1
	}
	printJSON(updated)
	return 0
}

func cmdReadiness(cfg *pkgconfig.Config, logger *logging.Logger, args []string) int {
	ctx := context.Background()
	c, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap failed:", err)
		return 1
	}
	defer c.Close()

	overall := c.aggregator.Compute()
	ready := c.engine.Ready()
	printJSON(map[string]interface{}{
		"ready":              ready,
		"overall_health":     overall.Health,
		"overall_trust":      overall.Trust,
		"overall_confidence": overall.Confidence,
		"host":               api.CollectHostStats(cfg.DataDir),
	})
	if ready {
		return 0
	}
	return 1
}

func cmdLog(cfg *pkgconfig.Config, logger *logging.Logger, args []string) int {
	if len(args) == 0 || args[0] != "verify" {
		fmt.Fprintln(os.Stderr, "usage: core log verify [--from SEQ] [--to SEQ]")
		return 1
	}
	fs := flag.NewFlagSet("log verify", flag.ExitOnError)
	from := fs.Uint64("from", 1, "first sequence number to verify")
	to := fs.Uint64("to", 0, "last sequence number to verify (0 = tail)")
	fs.Parse(args[1:])

	ctx := context.Background()
	c, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap failed:", err)
		return 1
	}
	defer c.Close()

	toSeq := *to
	if toSeq == 0 {
		toSeq = c.log.LastSeq()
	}

	ok, breachAt, err := c.log.Verify(*from, toSeq)
	if err != nil {
		fmt.Fprintln(os.Stderr, "verify failed:", err)
		return 1
	}
	if ok {
		fmt.Println("log intact")
		return 0
	}
	fmt.Println(breachAt)
	return 2
}

func cmdReplay(cfg *pkgconfig.Config, logger *logging.Logger, args []string) int {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	from := fs.Uint64("from", 1, "sequence number to start replay from")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: core replay <pattern> [--from SEQ]")
		return 1
	}
	pattern := rest[0]

	ctx := context.Background()
	c, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap failed:", err)
		return 1
	}
	defer c.Close()

	it := c.mesh.Replay(*from, pattern)
	for {
		ev, ok, err := it.Next()
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay failed:", err)
			return 1
		}
		if !ok {
			break
		}
		printJSON(ev)
	}
	return 0
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
