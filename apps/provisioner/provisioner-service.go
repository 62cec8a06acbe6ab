// Provisioner service: runs provisioning invocations received over HTTP
// (POST /invoke) and, when brokers are configured, from a Kafka topic.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/andrej220/goldenimage/internal/app"
	"github.com/andrej220/goldenimage/internal/serverutil"
	"github.com/andrej220/goldenimage/pkg/config"
	"github.com/andrej220/goldenimage/pkg/consumer"
	"github.com/andrej220/goldenimage/pkg/lg"
	"github.com/andrej220/goldenimage/pkg/metrics"
	"github.com/andrej220/goldenimage/pkg/producer"
	"github.com/andrej220/goldenimage/pkg/provision"
	dm "github.com/andrej220/goldenimage/pkg/shared-models"
	"github.com/andrej220/goldenimage/pkg/workerpool"
)

func main() {
	logCfg, rest := lg.NewConfigFromFlags(SERVICENAME, os.Args[1:])
	logger := lg.New(logCfg)
	defer logger.Sync()

	if err := run(logger, rest); err != nil {
		logger.Error("provisioner stopped", lg.Err(err))
		os.Exit(1)
	}
}

func run(logger lg.Logger, args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	store, err := app.OpenStore(f.ConfigPath, f.Mongo)
	if err != nil {
		return fmt.Errorf("settings store: %w", err)
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}
	settings, err := config.Load(store)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := app.Options{Locks: provision.NewHostLocks(), Observer: metrics.New(reg)}

	exec, err := app.BuildExecutor(ctx, settings, opts, logger)
	if err != nil {
		return err
	}
	runs, err := app.OpenRunStore(ctx, settings, logger)
	if err != nil {
		return fmt.Errorf("run store: %w", err)
	}
	defer runs.Close()

	svc := newService(exec, runs, logger)
	svc.pool = workerpool.NewPool[dm.InvokeRequest](settings.Server.Workers)
	defer svc.pool.Stop()

	watchStop := make(chan struct{})
	defer close(watchStop)
	if err := store.Watch(func() { svc.reload(ctx, store, opts) }, watchStop); err != nil {
		logger.Warn("settings reload disabled", lg.Err(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	serverCfg := serverutil.DefaultServerConfig()
	serverCfg.Port = strconv.Itoa(settings.Server.Port)
	g.Go(func() error {
		return serverutil.RunServer(gctx, svc.routes(reg), serverCfg, logger)
	})

	if k := settings.Kafka; k.Enabled() {
		cons := consumer.NewConsumer[dm.InvokeRequest](consumer.Config{
			Brokers: k.Brokers,
			GroupID: k.GroupID,
			Topic:   k.RequestTopic,
		})
		defer cons.Close()
		if k.ResultTopic != "" {
			results := producer.New(producer.Config{Brokers: k.Brokers, Topic: k.ResultTopic}, logger)
			defer results.Close()
			svc.results = results
		}
		if k.Resubmit {
			requests := producer.New(producer.Config{Brokers: k.Brokers, Topic: k.RequestTopic}, logger)
			defer requests.Close()
			svc.requests = requests
		}
		logger.Info("consuming requests", lg.Any("brokers", k.Brokers), lg.String("topic", k.RequestTopic))
		g.Go(func() error { return svc.consume(gctx, cons) })
	}

	err = g.Wait()
	// drain workers before the deferred producers close
	svc.pool.Stop()
	return err
}

// reload rebuilds the executor from the changed settings. Invalid settings
// keep the running executor.
func (s *service) reload(ctx context.Context, store config.Config, opts app.Options) {
	settings, err := config.Load(store)
	if err != nil {
		s.logger.Error("settings reload rejected", lg.Err(err))
		return
	}
	exec, err := app.BuildExecutor(ctx, settings, opts, s.logger)
	if err != nil {
		s.logger.Error("settings reload rejected", lg.Err(err))
		return
	}
	s.setExecutor(exec)
	s.logger.Info("settings reloaded")
}
