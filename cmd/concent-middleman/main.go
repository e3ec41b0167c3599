// Command concent-middleman runs the MiddleMan relay: it accepts front-end
// connections on one listener, maintains a single persistent connection to
// the Signing Service, and relays framed, signed messages between them.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/concent-network/concent/pkg/config"
	"github.com/concent-network/concent/pkg/logging"
	"github.com/concent-network/concent/pkg/metrics"
	"github.com/concent-network/concent/pkg/middleman"
	"github.com/concent-network/concent/pkg/stream"
)

func main() {
	app := &cli.App{
		Name:  "concent-middleman",
		Usage: "run the Concent MiddleMan relay",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "path to the Concent YAML config file"},
			&cli.StringFlag{Name: "listen", Value: ":3434", Usage: "address to accept front-end connections on"},
			&cli.StringFlag{Name: "signing-service", Required: true, Usage: "address of the upstream Signing Service"},
			&cli.StringFlag{Name: "metrics-listen", Value: ":9090", Usage: "address to serve Prometheus metrics on"},
			&cli.BoolFlag{Name: "dev", Usage: "use development-mode logging"},
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

	log, err := logging.New(logging.Config{Development: c.Bool("dev"), Level: "info"}, "middleman")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	reg := prometheus.NewRegistry()
	relay := middleman.NewRelay(cfg.ConcentPrivateKey, cfg.ConcentPublicKey, cfg.SigningServicePublicKey, cfg.ConnectionCounterLimit, log)
	relay.Metrics = metrics.NewRelay(reg)
	relay.Pool.Metrics = relay.Metrics

	upstreamConn, err := net.Dial("tcp", c.String("signing-service"))
	if err != nil {
		return fmt.Errorf("dial signing service: %w", err)
	}
	defer upstreamConn.Close()

	upstreamReader := stream.NewReader(upstreamConn)
	upstreamWriter := stream.NewWriter(upstreamConn)

	requestQueue := make(chan middleman.RequestQueueItem, 256)
	go func() {
		if err := relay.RequestConsumer(requestQueue, upstreamWriter); err != nil {
			log.Errorw("request consumer stopped", "error", err)
		}
	}()

	go func() {
		if err := relay.ResponseProducer(upstreamReader); err != nil {
			log.Warnw("response producer stopped", "error", err)
		}
		relay.TeardownOnUpstreamDisconnect()
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		log.Infow("serving metrics", "address", c.String("metrics-listen"))
		if err := http.ListenAndServe(c.String("metrics-listen"), mux); err != nil {
			log.Errorw("metrics server stopped", "error", err)
		}
	}()

	listener, err := net.Listen("tcp", c.String("listen"))
	if err != nil {
		return fmt.Errorf("listen for front-end connections: %w", err)
	}
	defer listener.Close()

	log.Infow("accepting front-end connections", "address", c.String("listen"))
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Errorw("accept failed", "error", err)
			return err
		}
		go handleConnection(relay, conn, requestQueue)
	}
}

// handleConnection registers conn's response queue, starts its response
// consumer, then runs its request producer until the connection closes,
// feeding the relay's single shared request queue.
func handleConnection(relay *middleman.Relay, conn net.Conn, requestQueue chan<- middleman.RequestQueueItem) {
	connID := relay.NextConnectionID()
	responseQueue := relay.Pool.Register(connID)
	reader := stream.NewReader(conn)
	writer := stream.NewWriter(conn)

	go relay.ResponseConsumer(connID, responseQueue, writer)

	relay.RequestProducer(connID, reader, requestQueue, responseQueue)
	relay.Pool.Unregister(connID)
	conn.Close()
}
