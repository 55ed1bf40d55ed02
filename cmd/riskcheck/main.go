// cmd/riskcheck evaluates a single proposed trade against the Risk
// Core's gate chain and prints the resulting decision, for operators
// who want to check "would this order clear the gates right now"
// without waiting for the scheduler's next decision cycle.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/config"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/gateway"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/risk"
)

func main() {
	var cfgPath, dataDir, symbol, side string
	var qty int
	var price, volumeRatio float64
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&dataDir, "data-dir", "data", "directory for persisted risk state")
	flag.StringVar(&symbol, "symbol", "", "symbol to evaluate (required)")
	flag.StringVar(&side, "side", "buy", "buy or sell")
	flag.IntVar(&qty, "qty", 0, "proposed quantity (required)")
	flag.Float64Var(&price, "price", 0, "proposed entry price (required)")
	flag.Float64Var(&volumeRatio, "volume-ratio", 1.0, "volume vs 20-day average, for the price/volume floor check")
	flag.Parse()

	if symbol == "" || qty <= 0 || price <= 0 {
		fmt.Fprintln(os.Stderr, "riskcheck: -symbol, -qty and -price are all required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	client := gateway.NewClient(cfg.Gateway, cfg.PaperTrading, cfg.BrokerKeyID, cfg.BrokerSecretKey)
	core := risk.NewCore(cfg.Risk, client, dataDir, cfg.Risk.SectorMap)
	defer core.Close()

	ctx := context.Background()
	if err := core.SyncPositions(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "sync positions: %v\n", err)
	}

	decision, err := core.Gate(ctx, symbol, side, qty, price, volumeRatio)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gate: %v\n", err)
		os.Exit(1)
	}

	out := map[string]any{
		"symbol":          symbol,
		"side":            side,
		"qty":             qty,
		"price":           price,
		"approved":        decision.Approved,
		"blocked_by":      decision.BlockedBy,
		"warnings":        decision.Warnings,
		"size_multiplier": decision.SizeMultiplier,
		"circuit_state":   core.State(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)

	if !decision.Approved {
		os.Exit(1)
	}
}
