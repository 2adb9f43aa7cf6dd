package bookkeeper

import (
	"github.com/allegro/bigcache"
	"github.com/chrislloyd/buildkite-test-analytics/util"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"sync"
	"time"
)

type bigCacheBK struct {
	mu          sync.Mutex
	cache       *bigcache.BigCache
	outstanding int
}

func newBigCacheBK() (*bigCacheBK, error) {
	config := bigcache.DefaultConfig(24 * time.Hour)
	config.Verbose = false
	cache, err := bigcache.NewBigCache(config)
	if err != nil {
		return nil, errors.Annotate(err, "creating cache")
	}
	return &bigCacheBK{cache: cache}, nil
}

func (bc *bigCacheBK) MarkSent(traceID string) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	e := bc.get(traceID)
	if e.SentAt != 0 {
		return nil
	}
	e.SentAt = now()
	if e.outstanding() {
		bc.outstanding++
	}
	return bc.set(traceID, e)
}

func (bc *bigCacheBK) MarkConfirmed(traceID string) error {
	logger := util.GetLogger("bookkeeper", "bigCacheBK::MarkConfirmed")
	bc.mu.Lock()
	defer bc.mu.Unlock()
	e := bc.get(traceID)
	if e.ConfirmedAt != 0 {
		return nil
	}
	if e.SentAt == 0 {
		logger.Warn("Confirmation for a trace that was never sent", zap.String("traceID", traceID))
	}
	if e.outstanding() {
		bc.outstanding--
	}
	e.ConfirmedAt = now()
	return bc.set(traceID, e)
}

func (bc *bigCacheBK) Confirmed(traceID string) (bool, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.get(traceID).ConfirmedAt != 0, nil
}

func (bc *bigCacheBK) Outstanding() (int, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.outstanding, nil
}

func (bc *bigCacheBK) discard() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.outstanding = 0
	return bc.cache.Reset()
}

func (bc *bigCacheBK) Close() error {
	return bc.discard()
}

func (bc *bigCacheBK) get(traceID string) entry {
	logger := util.GetLogger("bookkeeper", "bigCacheBK::get")
	data, _ := bc.cache.Get(string(key(traceID)))
	e, err := decodeEntry(data)
	if err != nil {
		logger.Warn("Corrupt ledger entry", zap.String("traceID", traceID), zap.Error(err))
	}
	return e
}

func (bc *bigCacheBK) set(traceID string, e entry) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	return errors.Trace(bc.cache.Set(string(key(traceID)), data))
}
