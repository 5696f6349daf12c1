package db

import "embed"

// EmbedMigrations holds the goose migration set that creates the
// cache-index artifacts table (internal/cacheindex).
//
//go:embed migrations/*.sql
var EmbedMigrations embed.FS
