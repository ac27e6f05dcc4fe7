package datastore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgres_SnapshotAndExecute 需要本地 Docker，-short 或 Docker 不可用时跳过。
func TestPostgres_SnapshotAndExecute(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("shop"),
		postgres.WithUsername("analyst"),
		postgres.WithPassword("analyst"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to cleanup postgres container: %v", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)
	target := fmt.Sprintf("postgres://analyst:analyst@%s:%s/shop?sslmode=disable", host, port.Port())

	src, err := NewConnector(Options{SampleRows: 5, QueryTimeout: 10 * time.Second}).Connect(ctx, target)
	require.NoError(t, err)
	defer src.Close()

	// 通过 Stager 写入样例数据，同时覆盖 $n 占位符路径
	staged, err := NewStager(src).Load(ctx, Dataset{
		Name:   "orders",
		Header: []string{"id", "region", "amount"},
		Rows: [][]string{
			{"1", "north", "10.5"},
			{"2", "south", "3"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, staged.Rows)

	snap, err := src.Snapshot(ctx)
	require.NoError(t, err)
	orders, ok := snap.Table("orders")
	require.True(t, ok)
	assert.Equal(t, "bigint", orders.Columns[0].Type)
	assert.Equal(t, "double precision", orders.Columns[2].Type)
	assert.Len(t, orders.SampleRows, 2)

	out := src.Execute(ctx, "SELECT region, SUM(amount) AS total FROM orders GROUP BY region ORDER BY region")
	require.True(t, out.IsSuccess(), out.Error)
	assert.Equal(t, "north", out.Rows[0]["region"])

	out = src.Execute(ctx, "SELECT * FROM missing")
	assert.True(t, out.IsFailure())
}
