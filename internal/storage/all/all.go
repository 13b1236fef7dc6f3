// Package all registers every storage backend.
package all

import (
	_ "cardetl/internal/storage/mssql"
	_ "cardetl/internal/storage/mysql"
	_ "cardetl/internal/storage/postgres"
	_ "cardetl/internal/storage/sqlite"
)
