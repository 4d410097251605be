// Package migrations embeds the SQL schema files applied by the
// orchestrator's migrate command.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in apply order.
var Files = []string{
	"001_create_pipelines.sql",
	"002_create_stage_history.sql",
	"003_create_environments.sql",
	"004_create_environment_ports.sql",
}
