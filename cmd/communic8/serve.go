package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/communic8/reactor"
	"github.com/opd-ai/communic8/server"
	"github.com/opd-ai/communic8/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "TCP address for client connections")
	serveCmd.Flags().String("discovery", "", "UDP address answering LIST_USERS (disabled if empty)")
	serveCmd.Flags().String("metrics", "", "HTTP address exposing /metrics (disabled if empty)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat negotiation server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	opts, err := cfg.TransportOptions()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	loop := reactor.New()
	srv := server.New(loop, server.Config{
		ResponseTimeout: cfg.ResponseTimeout,
		QueueSize:       cfg.QueueSize,
		Metrics:         server.NewMetrics(reg),
	})

	ln, err := transport.Listen(cfg.ListenAddr, opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 4)
	start := func(fn func() error) {
		go func() { errs <- fn() }()
	}

	start(func() error { return loop.Run(ctx) })
	start(func() error { return srv.Serve(ctx, ln) })

	if cfg.DiscoveryAddr != "" {
		pc, err := transport.ListenPacket(cfg.DiscoveryAddr)
		if err != nil {
			cancel()
			ln.Close()
			return err
		}
		start(func() error { return srv.ServeDiscovery(ctx, pc) })
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		start(func() error {
			logrus.WithFields(logrus.Fields{
				"function": "serve",
				"address":  cfg.MetricsAddr,
			}).Info("Serving metrics")
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			httpSrv.Shutdown(shutdownCtx)
		}()
	}

	// The first component to stop takes the others down with it.
	var firstErr error
	select {
	case <-ctx.Done():
	case firstErr = <-errs:
	}
	logrus.WithField("function", "serve").Info("Shutting down")
	srv.Close()
	cancel()
	return firstErr
}
