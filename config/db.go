package config

import (
	"context"

	"github.com/auctionmesh/auctiond/internal/store"
	"github.com/auctionmesh/auctiond/libs/log"
	"github.com/auctionmesh/auctiond/libs/service"
)

// ServiceProvider takes a config and a logger and returns a ready to go Node.
type ServiceProvider func(context.Context, *Config, log.Logger) (service.Service, error)

// StoreProvider opens the Store auctions are kept in.
type StoreProvider func(context.Context, *Config) (store.Store, error)

// DefaultStoreProvider returns a store using the DBBackend, DBDir and
// PSQLConn specified in the Config.
func DefaultStoreProvider(ctx context.Context, cfg *Config) (store.Store, error) {
	return store.Open(ctx, store.Options{
		Backend:  store.BackendType(cfg.DBBackend),
		Name:     "auctions",
		Dir:      cfg.DBDir(),
		PSQLConn: cfg.PSQLConn,
	})
}
