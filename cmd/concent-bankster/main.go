// Command concent-bankster hosts the deposit-claim ledger and the
// arbitration state machine that drives it. The HTTP surface that accepts
// signed business messages and calls into these services is out of scope
// here: this binary wires storage, the chain oracle and metrics, and is
// meant to be embedded by that surface or driven directly for operational
// tooling.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/concent-network/concent/pkg/arbitration"
	"github.com/concent-network/concent/pkg/bankster"
	"github.com/concent-network/concent/pkg/config"
	"github.com/concent-network/concent/pkg/logging"
	"github.com/concent-network/concent/pkg/metrics"
	"github.com/concent-network/concent/pkg/oracle"
	"github.com/concent-network/concent/pkg/store"
)

func main() {
	app := &cli.App{
		Name:  "concent-bankster",
		Usage: "run the Concent deposit-claim ledger and arbitration service",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "path to the Concent YAML config file"},
			&cli.StringFlag{Name: "metrics-listen", Value: ":9091", Usage: "address to serve Prometheus metrics on"},
			&cli.BoolFlag{Name: "dev", Usage: "use development-mode logging"},
			&cli.BoolFlag{Name: "mock-oracle", Usage: "back the chain oracle with an in-memory mock instead of a live Ethereum client, for local operation without a deployed deposit contract"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(logging.Config{Development: c.Bool("dev"), Level: "info"}, "bankster")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	control, err := store.OpenBoltControlStore(cfg.ControlStorePath)
	if err != nil {
		return fmt.Errorf("open control store: %w", err)
	}
	defer control.Close()

	storageStore, err := store.OpenLevelDBStorageStore(cfg.StorageStorePath)
	if err != nil {
		return fmt.Errorf("open storage store: %w", err)
	}
	defer storageStore.Close()
	_ = storageStore

	var chainOracle oracle.Client
	if c.Bool("mock-oracle") {
		log.Infow("using in-memory mock oracle; no live chain calls will be made")
		chainOracle = oracle.NewMock()
	} else {
		// A live deployment supplies a DepositContract binding generated from
		// the deployed deposit contract's ABI (the on-chain client library
		// itself is out of scope here) and wires it into
		// oracle.NewEthereumClient alongside an ethclient.Client and a
		// funded bind.TransactOpts.
		return fmt.Errorf("bankster: no deposit contract binding wired; rerun with --mock-oracle or provide one in a custom build")
	}

	reg := prometheus.NewRegistry()

	banksterSvc := bankster.New(control, chainOracle, cfg, log)
	banksterSvc.Metrics = metrics.NewBankster(reg)
	machine := arbitration.New(control, banksterSvc, log)
	_ = machine // held by the (out-of-scope) HTTP surface that drives arbitration transitions

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Infow("serving metrics", "address", c.String("metrics-listen"))
	return http.ListenAndServe(c.String("metrics-listen"), mux)
}
