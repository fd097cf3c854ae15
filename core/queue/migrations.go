package queue

import "embed"

// MigrationsFS embeds the goose migration files of this package so that
// cmd/vrf-fulfiller's migrate subcommand can run them against a deployment's
// database without shipping the .sql files alongside the binary separately.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS
