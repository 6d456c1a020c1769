package database

import (
	"context"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/contenderproject/contender/internal/contender/configuration"
)

func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	result := ""
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	for k, v := range values {
		result += k + "='" + replacer.Replace(v) + "' "
	}
	return strings.TrimSpace(result)
}

// OpenPgxPool opens a pgx connection pool capped at config.MaxPoolSize and
// verifies connectivity with a ping before returning it.
func OpenPgxPool(ctx context.Context, config configuration.PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if config.MaxPoolSize > 0 {
		poolConfig.MaxConns = config.MaxPoolSize
	}
	if config.StatementTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] =
			strconv.FormatInt(config.StatementTimeout.Milliseconds(), 10)
	}
	db, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, errors.WithStack(err)
	}
	return db, nil
}
