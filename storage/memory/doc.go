// Package memory provides an in-memory implementation of storage.Store.
//
// Clients, authorization codes and refresh tokens live in maps guarded by a
// single sync.RWMutex. Take and consume operations read and delete under one
// write lock, so a code or refresh token is handed out at most once.
//
// A background goroutine sweeps expired codes and refresh tokens every
// cleanup interval. Nothing survives a restart.
//
// Example usage:
//
//	store := memory.NewWithInterval(30 * time.Second)
//	defer store.Stop()
//
//	srv, err := server.New(store, sealer, cfg, logger)
package memory
