package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/alerts"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/config"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/funnel"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/gateway"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/guard"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/lifecycle"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/observ"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/oracle"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/pdt"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/risk"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/scheduler"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/session"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/strategy"
)

func main() {
	var cfgPath, dataDir, metricsAddr string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&dataDir, "data-dir", "data", "directory for persisted state (portfolio, ledger, caps)")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "address for the /metrics and /healthz HTTP server")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observ.Handler())
		mux.Handle("/healthz", observ.Health())
		observ.Log("metrics_server_started", map[string]any{"addr": metricsAddr})
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			observ.Warn("metrics_server_stopped", map[string]any{"error": err.Error()})
		}
	}()

	client := gateway.NewClient(cfg.Gateway, cfg.PaperTrading, cfg.BrokerKeyID, cfg.BrokerSecretKey)

	clock, err := session.NewClock()
	if err != nil {
		log.Fatalf("build session clock: %v", err)
	}

	ledger, err := pdt.Open(cfg.PDT.LedgerDBPath, cfg.PDT.RollingSessions)
	if err != nil {
		log.Fatalf("open pdt ledger: %v", err)
	}
	client.OnPDTViolation(func(symbol string) {
		if err := ledger.Block(symbol); err != nil {
			observ.Warn("pdt_ledger_block_failed", map[string]any{"symbol": symbol, "error": err.Error()})
		}
	})

	riskCore := risk.NewCore(cfg.Risk, client, dataDir, cfg.Risk.SectorMap)
	oracleClient := oracle.New(cfg.Oracle)
	fn := funnel.New(client, cfg.Funnel, oracleClient)
	evaluator := strategy.New(cfg.Risk)
	lc := lifecycle.New(client, cfg.Lifecycle)
	gd := guard.New(cfg.Guard)
	slack := alerts.NewSlackClient(cfg.Slack)
	defer slack.Close()

	sched := scheduler.New(cfg, client, clock, riskCore, fn, evaluator, lc, gd, ledger, oracleClient, slack)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		observ.Log("shutdown_signal_received", map[string]any{"signal": sig.String()})
		cancel()
	}()

	if err := sched.Run(ctx); err != nil {
		observ.Critical("scheduler_exited_with_error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}
