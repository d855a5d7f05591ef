package storage

import (
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perp-pool-portfolio/internal/config"
	"github.com/perp-pool-portfolio/internal/models"
	"github.com/perp-pool-portfolio/internal/types"
)

func TestSplitSQLStatements(t *testing.T) {
	content := `-- header comment
CREATE TABLE a (
    x UInt64
) ENGINE = Memory;

-- second
CREATE TABLE b (y String);
SELECT 1`

	stmts := splitSQLStatements(content)
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.NotContains(t, stmts[0], ";")
	assert.Equal(t, "CREATE TABLE b (y String)", stmts[1])
	assert.Equal(t, "SELECT 1", stmts[2])
}

func TestEmbeddedClickHouseMigrations(t *testing.T) {
	content, err := clickhouseMigrationFS.ReadFile("migrations/clickhouse/000001_pool_trades.sql")
	require.NoError(t, err)

	stmts := splitSQLStatements(string(content))
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], "ReplacingMergeTree")
	assert.Contains(t, stmts[0], tradeArchiveTable)
}

func TestTradeArchive_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	host := os.Getenv("CLICKHOUSE_TEST_HOST")
	if host == "" {
		t.Skip("CLICKHOUSE_TEST_HOST not set")
	}

	ctx := testContext(t)
	archive, err := OpenTradeArchive(ctx, &config.ClickHouseConfig{
		Host:     host,
		Port:     "9000",
		Database: "default",
		User:     "default",
	}, nil)
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
	}
	defer func() { _ = archive.Close() }()

	user := "0x00000000000000000000000000000000000a11ce"
	trade := models.PortfolioTransaction{
		ID:          "t1",
		PoolAddress: "0x00000000000000000000000000000000000000a1",
		TokenType:   types.TokenBull,
		Transaction: models.NewTransaction("0x00000000000000000000000000000000000000b1", "0xabc", 10, 1,
			types.TxBuy, decimal.NewFromInt(8), decimal.NewFromInt(10), decimal.Zero),
	}
	optimistic := trade
	optimistic.Optimistic = true
	optimistic.TransactionHash = "0xdef"

	n, err := archive.ArchiveTrades(ctx, types.ChainBaseSepolia, user, []models.PortfolioTransaction{trade, optimistic})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Archiving the same trade again does not create a second row after merge.
	_, err = archive.ArchiveTrades(ctx, types.ChainBaseSepolia, user, []models.PortfolioTransaction{trade})
	require.NoError(t, err)

	count, err := archive.CountTrades(ctx, types.ChainBaseSepolia, user)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}
