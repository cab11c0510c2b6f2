package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithParam(t *testing.T) {
	assert.Equal(t,
		"postgres://u:p@h/db?timezone=UTC",
		withParam("postgres://u:p@h/db", "timezone", "UTC"))
	assert.Equal(t,
		"postgres://u:p@h/db?sslmode=disable&timezone=UTC",
		withParam("postgres://u:p@h/db?sslmode=disable", "timezone", "UTC"))
	assert.Equal(t,
		"host=h dbname=db timezone='Asia/Shanghai'",
		withParam("host=h dbname=db", "timezone", "Asia/Shanghai"))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_MAX_CONNS", "25")
	t.Setenv("DATABASE_CONNECT_ATTEMPTS", "nope")
	cfg := ConfigFromEnv()
	assert.Contains(t, cfg.DSN, "localhost:5432")
	assert.Equal(t, 25, cfg.MaxConns)
	assert.Equal(t, 5, cfg.Attempts)
}
