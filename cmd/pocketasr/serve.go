package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/example/go-pocket-asr/internal/decoder"
	"github.com/example/go-pocket-asr/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve recognition over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Export decoder metrics through the default Prometheus
			// registry behind /metrics.
			exporter, err := otelprom.New(otelprom.WithRegisterer(prometheus.DefaultRegisterer))
			if err != nil {
				return err
			}
			otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)))

			d, err := decoder.New(activeCfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("serving", "addr", activeCfg.Server.ListenAddr,
				"search", d.ActiveSearch())
			return server.New(activeCfg, d).Start(ctx)
		},
	}
}
