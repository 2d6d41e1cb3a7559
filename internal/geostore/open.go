package geostore

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mopinfish/geo-base-sub001/internal/config"
	"github.com/mopinfish/geo-base-sub001/internal/db"
)

// Open connects the store backend named by the config. The sqlite driver
// also ensures its schema since it has no separate migrate step in dev use.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	log := zap.L().With(zap.String("component", "geostore"))

	switch cfg.Driver {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Info("store opened", zap.String("driver", "postgres"))
		return NewPostgresStore(pool), nil
	case "sqlite":
		st, err := NewSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		log.Info("store opened", zap.String("driver", "sqlite"), zap.String("path", cfg.Path))
		return st, nil
	default:
		return nil, eris.Errorf("geostore: unknown driver %q", cfg.Driver)
	}
}
