package bookkeeper

import (
	"github.com/chrislloyd/buildkite-test-analytics/util"
	"github.com/dgraph-io/badger"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"os"
)

// badgerBK keeps the ledger on disk so it can be inspected after the run.
type badgerBK struct {
	db *badger.DB
}

func newBadgerBK(path string) (*badgerBK, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "opening ledger at %s", path)
	}
	return &badgerBK{db: db}, nil
}

func (b *badgerBK) MarkSent(traceID string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		e, err := b.read(txn, key(traceID))
		if err != nil || e.SentAt != 0 {
			return err
		}
		e.SentAt = now()
		return b.write(txn, key(traceID), e)
	})
	return errors.Annotate(err, "marking trace sent")
}

func (b *badgerBK) MarkConfirmed(traceID string) error {
	logger := util.GetLogger("bookkeeper", "badgerBK::MarkConfirmed")
	err := b.db.Update(func(txn *badger.Txn) error {
		e, err := b.read(txn, key(traceID))
		if err != nil || e.ConfirmedAt != 0 {
			return err
		}
		if e.SentAt == 0 {
			logger.Warn("Confirmation for a trace that was never sent", zap.String("traceID", traceID))
		}
		e.ConfirmedAt = now()
		return b.write(txn, key(traceID), e)
	})
	return errors.Annotate(err, "marking trace confirmed")
}

func (b *badgerBK) Confirmed(traceID string) (bool, error) {
	confirmed := false
	err := b.db.View(func(txn *badger.Txn) error {
		e, err := b.read(txn, key(traceID))
		confirmed = e.ConfirmedAt != 0
		return err
	})
	return confirmed, errors.Trace(err)
}

func (b *badgerBK) Outstanding() (int, error) {
	count := 0
	prefix := []byte("t-")
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().Value()
			if err != nil {
				return err
			}
			e, err := decodeEntry(data)
			if err != nil {
				return err
			}
			if e.outstanding() {
				count++
			}
		}
		return nil
	})
	return count, errors.Trace(err)
}

// compact rewrites value log files that are mostly stale.
func (b *badgerBK) compact() error {
	err := b.db.RunValueLogGC(0.5)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return errors.Trace(err)
}

func (b *badgerBK) Close() error {
	if err := b.compact(); err != nil {
		logger := util.GetLogger("bookkeeper", "badgerBK::Close")
		logger.Warn("Unable to compact ledger", zap.Error(err))
	}
	return errors.Trace(b.db.Close())
}

func (b *badgerBK) read(txn *badger.Txn, key []byte) (entry, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return entry{}, nil
	}
	if err != nil {
		return entry{}, err
	}
	data, err := item.Value()
	if err != nil {
		return entry{}, err
	}
	return decodeEntry(data)
}

func (b *badgerBK) write(txn *badger.Txn, key []byte, e entry) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}
