package storage

import (
	"context"
	"github.com/chrislloyd/buildkite-test-analytics/bookkeeper"
	"github.com/chrislloyd/buildkite-test-analytics/storage/analytics"
	"github.com/chrislloyd/buildkite-test-analytics/storage/common"
	"github.com/chrislloyd/buildkite-test-analytics/storage/dryrun"
	"github.com/chrislloyd/buildkite-test-analytics/trace"
	"github.com/chrislloyd/buildkite-test-analytics/util"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

const (
	ANALYTICS = "analytics"
	DRYRUN    = "dryrun"
)

// Provider receives the results of one test run.
type Provider interface {
	Start(ctx context.Context) error
	Result(ctx context.Context, tr *trace.Trace) error
	Complete(ctx context.Context, count common.ExamplesCount) error
	Close() error
}

func NewProviderFromConfig(config util.ReporterConfig) (Provider, error) {
	logger := util.GetLogger("storage", "NewProviderFromConfig")
	switch config.Storage.Type {
	case ANALYTICS:
		bookKeeper, err := bookkeeper.New(config.BookKeeper)
		if err != nil {
			logger.Error("Unable to create book keeper", zap.Error(err))
			return nil, err
		}
		session, err := analytics.NewSession(analytics.Config{
			Token:        config.General.Token,
			UploadURL:    config.Analytics.UploadURL,
			StepTimeout:  config.Analytics.StepTimeout.Duration,
			DrainTimeout: config.Analytics.DrainTimeout.Duration,
			BookKeeper:   bookKeeper,
		})
		if err != nil {
			bookKeeper.Close()
			logger.Error("Unable to create analytics session", zap.Error(err))
			return nil, err
		}
		return session, nil
	case DRYRUN:
		return dryrun.NewProvider(), nil
	default:
		return nil, errors.NotSupportedf("storage provider %q", config.Storage.Type)
	}
}
