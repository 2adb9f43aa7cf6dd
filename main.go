package main

import (
	"context"
	"fmt"
	"github.com/chrislloyd/buildkite-test-analytics/aggregator"
	"github.com/chrislloyd/buildkite-test-analytics/consumer"
	"github.com/chrislloyd/buildkite-test-analytics/storage"
	"github.com/chrislloyd/buildkite-test-analytics/storage/dryrun"
	"github.com/chrislloyd/buildkite-test-analytics/util"
	"github.com/juju/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const (
	exitTestsFailed     = 1
	exitReportingFailed = 2
)

func main() {
	configFile := pflag.StringP("config", "c", "default.toml", "path to the TOML config file")
	token := pflag.String("token", "", "analytics API token (default $"+util.TokenEnv+")")
	dryRun := pflag.Bool("dry-run", false, "log results instead of uploading them")
	quiet := pflag.BoolP("quiet", "q", false, "do not echo test output")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: go test -json ./... | %s [flags]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if err := util.LoadConfigFromFile(*configFile); err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			fmt.Fprintf(os.Stderr, "Unable to load config from %s: %v\n", *configFile, err)
			os.Exit(exitReportingFailed)
		}
		util.LoadDefaultConfig()
	}
	config := util.GetConfig()
	if *token != "" {
		config.General.Token = *token
	}
	if *dryRun {
		config.Storage.Type = storage.DRYRUN
	}
	if *quiet {
		config.General.Quiet = true
	}
	util.SetConfig(config)
	util.SetupLoggerConfig()

	os.Exit(run(util.GetConfig(), os.Stdin, os.Stdout))
}

func run(config util.ReporterConfig, in io.Reader, out io.Writer) int {
	logger := util.GetLogger("main", "run")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reportingFailed := false
	provider, err := storage.NewProviderFromConfig(config)
	switch {
	case errors.IsNotValid(err):
		logger.Warn("Analytics not configured, results will not be uploaded", zap.Error(err))
		provider = dryrun.NewProvider()
	case err != nil:
		logger.Error("Unable to init storage provider, results will not be uploaded", zap.Error(err))
		provider = dryrun.NewProvider()
		reportingFailed = true
	}
	defer func() { provider.Close() }()

	startCtx, startCancel := context.WithTimeout(ctx, config.General.RunTimeout.Duration)
	err = provider.Start(startCtx)
	startCancel()
	if err != nil {
		logger.Error("Unable to start run, results will not be uploaded", zap.Error(err))
		provider.Close()
		provider = dryrun.NewProvider()
		reportingFailed = true
	}

	var echo io.Writer
	if !config.General.Quiet {
		echo = out
	}
	eventConsumer := consumer.NewTestEventConsumer(in, echo)
	actorPID := aggregator.NewAggregator(ctx, provider).PrepareActor()
	defer actorPID.Poison()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		sig := <-sigs
		logger.Info("Received signal. Finishing the run", zap.String("signal", sig.String()))
		eventConsumer.GetControlPID().Tell("sig_close")
	}()

	if err := eventConsumer.Subscribe(actorPID); err != nil {
		logger.Error("Unable to subscribe to test events", zap.Error(err))
		return exitReportingFailed
	}
	if err := eventConsumer.Wait(); err != nil {
		logger.Error("Test event stream ended with an error", zap.Error(err))
		reportingFailed = true
	}

	result, err := actorPID.RequestFuture(&aggregator.Complete{}, config.General.RunTimeout.Duration).Result()
	if err != nil {
		logger.Error("Run did not complete", zap.Error(err))
		return exitReportingFailed
	}
	summary := result.(*aggregator.Summary)
	if summary.Err != nil {
		reportingFailed = true
	}
	logger.Info("Run finished",
		zap.Int("examples", summary.Count.Examples),
		zap.Int("failed", summary.Count.Failed),
		zap.Int("pending", summary.Count.Pending),
		zap.Int("errorsOutsideExamples", summary.Count.ErrorsOutsideExamples))

	switch {
	case summary.Failed():
		return exitTestsFailed
	case reportingFailed:
		return exitReportingFailed
	default:
		return 0
	}
}
