// Package storage selects the persistence backend behind domain.Storage.
//
// The JSON-file backend serves development and single-host deployments, the
// Postgres backend serves production. The façade is the only layer aware of
// the persistence format; callers see domain entities only.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ferixdi-png/TRT-sub000/internal/adapter/storage/jsonfile"
	"github.com/ferixdi-png/TRT-sub000/internal/adapter/storage/postgres"
	"github.com/ferixdi-png/TRT-sub000/internal/config"
	"github.com/ferixdi-png/TRT-sub000/internal/domain"
)

// Open constructs the backend selected by STORAGE_MODE and returns it with a
// close function releasing backend resources.
func Open(ctx context.Context, cfg config.Config) (domain.Storage, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageMode)) {
	case "db", "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("op=storage.open: STORAGE_MODE=db requires DATABASE_URL")
		}
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("op=storage.open: %w", err)
		}
		return postgres.New(pool, cfg.Tenant()), pool.Close, nil
	case "json", "":
		st, err := jsonfile.New(filepath.Join(cfg.DataDir, cfg.Tenant()))
		if err != nil {
			return nil, nil, fmt.Errorf("op=storage.open: %w", err)
		}
		return st, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("op=storage.open: unknown STORAGE_MODE %q", cfg.StorageMode)
	}
}
