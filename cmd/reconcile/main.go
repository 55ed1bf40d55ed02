// cmd/reconcile runs the Order Lifecycle & Protection Reconciler's
// startup reconciliation pass standalone and prints a JSON report of
// what it found and fixed, for operators who want to audit protection
// coverage without starting the full scheduler.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/config"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/gateway"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/lifecycle"
)

type positionSummary struct {
	Symbol             string  `json:"symbol"`
	Qty                float64 `json:"qty"`
	ProtectiveOrders   int     `json:"protective_orders_before"`
}

type report struct {
	PositionsExamined  int               `json:"positions_examined"`
	Unprotected        []positionSummary `json:"unprotected_before"`
	ProtectiveOrdersAfter int            `json:"open_protective_orders_after"`
	Err                string            `json:"error,omitempty"`
}

func main() {
	var cfgPath, dataDir string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&dataDir, "data-dir", "data", "directory for persisted lifecycle state")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	client := gateway.NewClient(cfg.Gateway, cfg.PaperTrading, cfg.BrokerKeyID, cfg.BrokerSecretKey)
	mgr := lifecycle.New(client, cfg.Lifecycle)

	ctx := context.Background()
	rep := runReconciliation(ctx, client, mgr)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(rep)

	if rep.Err != "" {
		os.Exit(1)
	}
}

func runReconciliation(ctx context.Context, client *gateway.Client, mgr *lifecycle.Manager) report {
	before := client.GetPositions(ctx)
	if !before.Success {
		return report{Err: fmt.Sprintf("%s: %s", before.ErrorKind, before.ErrorMessage)}
	}
	openBefore := client.GetOrders(ctx, "open")
	if !openBefore.Success {
		return report{Err: fmt.Sprintf("%s: %s", openBefore.ErrorKind, openBefore.ErrorMessage)}
	}

	rep := report{PositionsExamined: len(before.Data)}
	for _, pos := range before.Data {
		if pos.Qty == 0 {
			continue
		}
		wantSide := gateway.SideSell
		if pos.Qty < 0 {
			wantSide = gateway.SideBuy
		}
		protective := 0
		for _, o := range openBefore.Data {
			if o.Symbol == pos.Symbol && o.Side == wantSide && (o.Type == gateway.TypeStop || o.Type == gateway.TypeStopLimit) {
				protective++
			}
		}
		if protective != 1 {
			rep.Unprotected = append(rep.Unprotected, positionSummary{
				Symbol:           pos.Symbol,
				Qty:              pos.Qty,
				ProtectiveOrders: protective,
			})
		}
	}

	if err := mgr.AuditProtections(ctx); err != nil {
		rep.Err = err.Error()
		return rep
	}

	openAfter := client.GetOrders(ctx, "open")
	if openAfter.Success {
		count := 0
		for _, o := range openAfter.Data {
			if o.Type == gateway.TypeStop || o.Type == gateway.TypeStopLimit {
				count++
			}
		}
		rep.ProtectiveOrdersAfter = count
	}
	return rep
}
