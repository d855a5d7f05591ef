package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/perp-pool-portfolio/internal/config"
	"github.com/perp-pool-portfolio/internal/logging"
	"github.com/perp-pool-portfolio/internal/models"
	"github.com/perp-pool-portfolio/internal/types"
)

//go:embed migrations/clickhouse/*.sql
var clickhouseMigrationFS embed.FS

const tradeArchiveTable = "pool_trades"

// TradeArchive appends decoded pool trades to ClickHouse for offline
// analysis. Portfolio valuation never reads from it.
type TradeArchive struct {
	conn   driver.Conn
	logger *logging.Logger
	now    func() time.Time
}

// OpenTradeArchive connects to ClickHouse and applies the archive schema
func OpenTradeArchive(ctx context.Context, cfg *config.ClickHouseConfig, logger *logging.Logger) (*TradeArchive, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     5,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	a := &TradeArchive{conn: conn, logger: logger.WithComponent("trade_archive"), now: time.Now}
	if err := a.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return a, nil
}

// migrate runs every embedded statement in file order. Statements are
// idempotent so the whole set is replayed on each start.
func (a *TradeArchive) migrate(ctx context.Context) error {
	files, err := fs.Glob(clickhouseMigrationFS, "migrations/clickhouse/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list ClickHouse migrations: %w", err)
	}
	sort.Strings(files)

	for _, name := range files {
		content, err := clickhouseMigrationFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", name, err)
		}
		for i, stmt := range splitSQLStatements(string(content)) {
			if err := a.conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute statement %d in %s: %w", i+1, name, err)
			}
		}
		a.logger.WithField("file", name).Debug("Applied ClickHouse migration")
	}
	return nil
}

// splitSQLStatements splits a migration file into statements, dropping
// comment lines and trailing semicolons
func splitSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()

	return statements
}

// ArchiveTrades appends the chain-sourced trades of a portfolio load.
// Optimistic entries are skipped; they are not on chain yet.
func (a *TradeArchive) ArchiveTrades(ctx context.Context, chainID types.ChainID, user string, trades []models.PortfolioTransaction) (int, error) {
	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO "+tradeArchiveTable)
	if err != nil {
		return 0, fmt.Errorf("prepare trade batch: %w", err)
	}
	defer func() { _ = batch.Abort() }()

	archivedAt := a.now().UTC()
	user = types.NormalizeAddress(user)
	n := 0
	for _, t := range trades {
		if t.Optimistic {
			continue
		}
		err := batch.Append(
			uint64(chainID),
			user,
			types.NormalizeAddress(t.PoolAddress),
			types.NormalizeAddress(t.TokenAddress),
			string(t.TokenType),
			strings.ToLower(t.TransactionHash),
			t.LogIndex,
			t.BlockNumber,
			string(t.Type),
			t.AmountAsset.String(),
			t.AmountCoin.String(),
			t.FeePaid.String(),
			t.Price.String(),
			archivedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("append trade %s: %w", t.ID, err)
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("send trade batch: %w", err)
	}
	return n, nil
}

// CountTrades returns the number of distinct archived trades of a user
func (a *TradeArchive) CountTrades(ctx context.Context, chainID types.ChainID, user string) (uint64, error) {
	var n uint64
	err := a.conn.QueryRow(ctx,
		"SELECT count() FROM "+tradeArchiveTable+" FINAL WHERE chain_id = ? AND user_address = ?",
		uint64(chainID), types.NormalizeAddress(user),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count archived trades: %w", err)
	}
	return n, nil
}

// Close closes the ClickHouse connection
func (a *TradeArchive) Close() error {
	return a.conn.Close()
}
