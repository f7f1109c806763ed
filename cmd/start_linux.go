// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package cmd

import (
	"context"

	"golang.org/x/sync/errgroup"

	"grimm.is/ssdphelper/internal/errors"
	"grimm.is/ssdphelper/internal/ifaddr"
	"grimm.is/ssdphelper/internal/kernel"
	"grimm.is/ssdphelper/internal/logging"
	"grimm.is/ssdphelper/internal/metrics"
	"grimm.is/ssdphelper/internal/ssdp"
)

// StartOptions configures RunStart.
type StartOptions struct {
	ConfigPath string
	// Queue overrides the configured NFQUEUE number when non-zero.
	Queue int
}

// RunStart runs the helper against the local kernel until ctx is done.
func RunStart(ctx context.Context, opts StartOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Queue != 0 {
		cfg.Queue = opts.Queue
		if errs := cfg.Validate(); errs.HasErrors() {
			return errors.Wrap(errs, errors.KindValidation, "invalid -queue")
		}
	}

	logger := newLogger(cfg)
	logging.SetDefault(logger)

	policy, hc, err := helperPolicy(cfg)
	if err != nil {
		return err
	}

	addrs := ifaddr.NewTable()
	if err := addrs.Load(); err != nil {
		return err
	}

	expects, err := kernel.NewExpectTable(hc.MaxPending, logger.WithComponent("expect"))
	if err != nil {
		return err
	}

	engine, err := kernel.NewLinux(kernel.LinuxConfig{
		Queue:   uint16(cfg.Queue),
		Table:   cfg.NFTTable,
		Devices: addrs,
		Expects: expects,
		Logger:  logger.WithComponent("kernel"),
	})
	if err != nil {
		return err
	}

	m := metrics.New()
	registerEngineMetrics(m, engine, expects)

	helper, err := ssdp.New(ssdp.Options{
		Addresses: addrs,
		Table:     engine,
		Policy:    policy,
		Logger:    logger.WithComponent("ssdp"),
		Observer:  m,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return addrs.Watch(ctx, logger.WithComponent("ifaddr")) })
	g.Go(func() error { return expects.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })
	if cfg.MetricsListen != "" {
		g.Go(func() error { return m.Serve(ctx, cfg.MetricsListen, logger.WithComponent("metrics")) })
	}

	if err := helper.Start(engine); err != nil {
		logger.Error("Failed to start helper", errors.LogArgs(err)...)
		g.Go(func() error { return err })
		return g.Wait()
	}
	g.Go(func() error {
		<-ctx.Done()
		return helper.Stop()
	})

	logger.Info("SSDP helper running",
		"queue", cfg.Queue,
		"devices", len(addrs.Devices()),
		"timeout", policy.Timeout,
		"max_expected", policy.MaxExpected)

	err = g.Wait()
	logger.Info("SSDP helper stopped")
	return err
}

func registerEngineMetrics(m *metrics.Metrics, engine *kernel.Linux, expects *kernel.ExpectTable) {
	m.AddCounterFunc("queue_packets_total", "Packets read from the NFQUEUE",
		func() float64 { return float64(engine.Stats().PacketsProcessed) })
	m.AddCounterFunc("queue_verdict_errors_total", "Verdicts the kernel did not accept",
		func() float64 { return float64(engine.Stats().VerdictErrors) })
	m.AddCounterFunc("ctnetlink_created_total", "Expectations created in the kernel",
		func() float64 { return float64(expects.Stats().Submitted) })
	m.AddCounterFunc("ctnetlink_existing_total", "Expectations the kernel already held",
		func() float64 { return float64(expects.Stats().Existing) })
	m.AddCounterFunc("ctnetlink_failed_total", "Expectations the kernel rejected",
		func() float64 { return float64(expects.Stats().Failed) })
}
