package testsupport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"greentrace/internal/adapters/clickhouse"
)

// NewTestClickHouse connects to the integration ClickHouse and creates a
// throwaway observation table dropped on cleanup. Returns the table name.
func NewTestClickHouse(t *testing.T) (*clickhouse.Client, string) {
	t.Helper()

	cfg := LoadDatabaseConfigsFromEnv(t, ClickHouseEnv...).ClickHouse

	client, err := clickhouse.NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to connect to clickhouse: %v", err)
	}

	table := fmt.Sprintf("tmp_observations_%d", time.Now().UnixNano())
	if err := client.EnsureObservationTable(context.Background(), table); err != nil {
		_ = client.Close()
		t.Fatalf("failed to create clickhouse table: %v", err)
	}

	t.Cleanup(func() {
		_ = client.Exec(context.Background(), "DROP TABLE IF EXISTS "+table)
		_ = client.Close()
	})

	return client, table
}
