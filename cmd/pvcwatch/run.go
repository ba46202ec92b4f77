package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/devzero-inc/pvcwatch/internal/aggregator"
	"github.com/devzero-inc/pvcwatch/internal/config"
	"github.com/devzero-inc/pvcwatch/internal/logger"
	"github.com/devzero-inc/pvcwatch/internal/metrics"
	"github.com/devzero-inc/pvcwatch/internal/server"
	"github.com/devzero-inc/pvcwatch/internal/sink"
	"github.com/devzero-inc/pvcwatch/internal/snapshot"
	"github.com/devzero-inc/pvcwatch/internal/supervisor"
	"github.com/devzero-inc/pvcwatch/internal/util"
	"github.com/devzero-inc/pvcwatch/internal/version"
)

func runMonitor(cmd *cobra.Command, cfg *config.Config) error {
	log, zapLog, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	ctrl.SetLogger(log)
	setupLog := util.NewLogger("setup")

	util.LoadEnvConfig(setupLog).MergeWithFlags(cfg)
	if err := cfg.Validate(); err != nil {
		setupLog.Error(err, "Invalid configuration")
		return err
	}

	// LOG_LEVEL may have changed the level picked from flags
	if log, zapLog, err = logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return err
	}
	defer func() { _ = zapLog.Sync() }()
	ctrl.SetLogger(log)
	setupLog = util.NewLogger("setup")
	setupLog.Info("Starting pvcwatch", version.Get().KeysAndValues()...)

	threshold, err := cfg.ThresholdQuantity()
	if err != nil {
		return err
	}

	restCfg, err := getKubeConfig(cfg.Kubeconfig)
	if err != nil {
		setupLog.Error(err, "Failed to get kubeconfig")
		return err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		setupLog.Error(err, "Failed to create k8s client")
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monLog := util.NewLogger("pvcwatch", "namespace", cfg.Namespace)

	loader := snapshot.NewLoader(clientset, cfg.PageSize, monLog)
	snap, err := loader.Load(ctx, cfg.Namespace)
	if err != nil {
		setupLog.Error(err, "Failed to list claims", "namespace", cfg.Namespace)
		return err
	}

	agg, err := aggregator.New(aggregator.Config{
		Threshold:   threshold,
		StrictUnits: cfg.StrictUnits,
	}, monLog)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics(nil)
	sinks := []aggregator.Sink{
		sink.NewLogSink(monLog),
		sink.NewMetricsSink(cfg.Namespace, m, agg.Status),
	}

	var printer *sink.Printer
	if !cfg.Quiet {
		printer = sink.NewPrinter(cmd.OutOrStdout(), !cfg.NoColor)
		sinks = append(sinks, printer)
	}

	var webhook *sink.WebhookAction
	if cfg.WebhookURL != "" {
		webhook, err = sink.NewWebhookAction(sink.WebhookConfig{
			URL:       cfg.WebhookURL,
			Namespace: cfg.Namespace,
			Timeout:   cfg.WebhookTimeout,
			AuthToken: cfg.WebhookToken,
		}, monLog)
		if err != nil {
			setupLog.Error(err, "Invalid webhook configuration")
			return err
		}
		webhook.Start(context.Background())
		defer webhook.Stop()
		sinks = append(sinks, webhook)
	}

	dispatcher := sink.NewDispatcher(sinks...)

	if printer != nil {
		printer.PrintSnapshot(snap)
		printer.PrintBanner(threshold)
	}
	if err := dispatcher.HandleAll(ctx, agg.Seed(snap.Claims, snap.ResourceVersion)); err != nil {
		setupLog.Error(err, "Failed to report baseline")
	}

	if cfg.MetricsEnabled() {
		statusServer := server.NewStatusServer(cfg.MetricsAddr, ctrlmetrics.Registry, readiness(agg), monLog)
		if err := statusServer.Start(); err != nil {
			setupLog.Error(err, "Failed to start HTTP server")
			return err
		}
		defer statusServer.Stop()
	}

	sup := supervisor.New(clientset, loader, agg, dispatcher, m, supervisor.Config{
		Namespace:       cfg.Namespace,
		InitialInterval: cfg.ReconnectInitial,
		MaxInterval:     cfg.ReconnectMax,
		MaxElapsedTime:  cfg.ReconnectMaxElapsed,
		WatchTimeout:    cfg.WatchTimeout,
	}, util.NewLogger("pvcwatch"))

	if err := sup.Run(ctx); err != nil {
		setupLog.Error(err, "Lost the claim watch")
		return err
	}

	logShutdown(setupLog, agg.Status())
	return nil
}

func readiness(agg *aggregator.Aggregator) server.ReadyFunc {
	return func() error {
		if phase := agg.Status().Phase; phase != aggregator.PhaseStreaming {
			return fmt.Errorf("aggregator is %s", phase)
		}
		return nil
	}
}

func logShutdown(log logr.Logger, st aggregator.Status) {
	log.Info("Shutting down...",
		"total", st.Total.String(),
		"threshold", st.Threshold.String(),
		"checkpoint", st.Checkpoint)
}

func getKubeConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	}
	// Try in-cluster
	restConfig, err := rest.InClusterConfig()
	if err == nil {
		return restConfig, nil
	}
	// Fallback to default local rules (e.g. ~/.kube/config)
	return clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
}
