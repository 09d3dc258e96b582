package cmd

import (
	"fmt"
	"io"

	"github.com/nextlevelbuilder/voicebridge/internal/config"
	"github.com/nextlevelbuilder/voicebridge/internal/store"
	"github.com/nextlevelbuilder/voicebridge/internal/store/pg"
)

// backends bundles the two store interfaces plus whatever needs closing.
type backends struct {
	requests store.BridgeRequestStore
	pairings store.PairingStore
	closer   io.Closer
}

func (b *backends) Close() error {
	if b.closer != nil {
		return b.closer.Close()
	}
	return nil
}

// openBackends opens the configured persistence backend. SQLite is the
// standalone single-binary mode; Postgres is the managed mode.
func openBackends(cfg *config.Config) (*backends, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		s, err := store.NewSQLiteStore(config.ExpandHome(cfg.Store.SQLitePath))
		if err != nil {
			return nil, err
		}
		return &backends{requests: s, pairings: s, closer: s}, nil

	case "postgres":
		db, err := pg.OpenDB(cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(db); err != nil {
			db.Close()
			return nil, err
		}
		return &backends{
			requests: pg.NewPGBridgeRequestStore(db),
			pairings: pg.NewPGPairingStore(db),
			closer:   db,
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
