// Package all registers every storage backend with the factory registry.
// Commands blank-import this package so the configured kind decides the
// backend at runtime without per-backend imports in main.
package all

import (
	_ "chartingest/internal/storage/mssql"
	_ "chartingest/internal/storage/postgres"
	_ "chartingest/internal/storage/sqlite"
)
