package cache

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mail-triage/internal/model"
)

// Badger is a persistent cache backed by BadgerDB. Entries carry no TTL:
// content change alters the fingerprint, which is the only invalidation.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a cache directory. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, eris.Wrapf(err, "cache: open badger at %q", dir)
	}
	zap.L().Debug("cache: badger opened", zap.String("dir", dir))
	return &Badger{db: db}, nil
}

func (b *Badger) Get(ctx context.Context, key Key) (*model.PhaseResult, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		recordLookup("badger", false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "cache: badger get")
	}

	r, err := decode(raw)
	if err != nil {
		return nil, false, err
	}
	recordLookup("badger", true)
	return r, true, nil
}

func (b *Badger) Put(ctx context.Context, key Key, r *model.PhaseResult) error {
	if !Cacheable(r) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encode(r)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	})
	return eris.Wrap(err, "cache: badger put")
}

func (b *Badger) Close() error {
	return eris.Wrap(b.db.Close(), "cache: close badger")
}
