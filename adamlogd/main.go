package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	adam "github.com/GrantWise/adam-6051-influxdb-logger-sub003"
)

type options struct {
	Config      string `short:"c" long:"config" required:"true" description:"Path to the YAML configuration"`
	MetricsAddr string `long:"metrics-addr" description:"Expose Prometheus metrics on this address (off when empty)"`
	Verbose     bool   `short:"v" long:"verbose" description:"Debug logging"`
}

func main() {
	opts := options{}
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	log, err := buildLogger(opts.Verbose)
	if err != nil {
		fmt.Printf("logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := adam.LoadConfig(opts.Config)
	if err != nil {
		fmt.Printf("configuration rejected:\n%v\n", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var metricsSrv *http.Server
	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: opts.MetricsAddr, Handler: mux}
		go func() {
			log.Info("metrics listener starting", zap.String("addr", opts.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	svc, err := adam.Start(cfg,
		adam.WithLogger(log),
		adam.WithMetrics(reg),
	)
	if err != nil {
		log.Error("service start failed", zap.Error(err))
		fmt.Printf("start failed: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	got := <-sig
	log.Info("shutting down", zap.String("signal", got.String()))

	// Leave room for the writer's final flush on top of its own deadline.
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Writer.FlushTimeout()+10*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		log.Error("shutdown incomplete", zap.Error(err))
		os.Exit(1)
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(stopCtx)
	}
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
