// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package migrate_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/apphub/timestore/internal/dbutil"
	"github.com/apphub/timestore/internal/migrate"
	"github.com/apphub/timestore/internal/testcontext"
)

func TestBasicMigration(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := dbutil.OpenSQLite(ctx, ctx.File("db", "migrate.db"))
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	m := migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				DB:          db,
				Description: "initial setup",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE users (id INTEGER PRIMARY KEY)`,
				},
			},
			{
				DB:          db,
				Description: "add name column",
				Version:     1,
				Action: migrate.SQL{
					`ALTER TABLE users ADD COLUMN name TEXT`,
				},
			},
			{
				DB:          db,
				Description: "seed system user",
				Version:     2,
				Action: migrate.Func(func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
					_, err := tx.ExecContext(ctx, `INSERT INTO users (id, name) VALUES (0, 'system')`)
					return err
				}),
			},
		},
	}

	log := zaptest.NewLogger(t)
	require.NoError(t, m.Run(ctx, log))

	version, err := m.CurrentVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 2, version)

	// rerunning is a no-op
	require.NoError(t, m.Run(ctx, log))

	_, err = db.ExecContext(ctx, `INSERT INTO users (id, name) VALUES (1, 'a')`)
	require.NoError(t, err)
}

func TestMigration_FailedStepRollsBack(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := dbutil.OpenSQLite(ctx, ctx.File("db", "migrate.db"))
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	m := migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				DB:          db,
				Description: "initial setup",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE sole (id INTEGER PRIMARY KEY)`,
				},
			},
			{
				DB:          db,
				Description: "broken step",
				Version:     1,
				Action: migrate.SQL{
					`SYNTACTICALLY INVALID`,
				},
			},
		},
	}

	require.Error(t, m.Run(ctx, zaptest.NewLogger(t)))

	version, err := m.CurrentVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 0, version)
}

func TestMigration_InvalidTableName(t *testing.T) {
	m := migrate.Migration{Table: "3bad table;"}
	require.Error(t, m.ValidTableName())
}
