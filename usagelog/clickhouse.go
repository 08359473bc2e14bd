package usagelog

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const defaultTable = "gateway_request_log"

// requestLogSchema is applied on startup so a fresh ClickHouse instance
// works without migrations. DateTime64(3) keeps millisecond precision.
const requestLogSchema = `
CREATE TABLE IF NOT EXISTS %s (
	id                UUID,
	tenant_id         String,
	provider_id       String,
	provider_name     String,
	model             String,
	success           Bool,
	error_kind        String,
	attempts          UInt8,
	fallback_used     Bool,
	streamed          Bool,
	strategy          String,
	latency_ms        UInt32,
	prompt_tokens     UInt32,
	completion_tokens UInt32,
	total_tokens      UInt32,
	estimated_cost    Float64,
	created_at        DateTime64(3, 'UTC')
)
ENGINE = MergeTree()
ORDER BY (created_at, tenant_id)
`

// ClickHouseOptions configures the analytics sink. Addr is required;
// everything else has a usable default.
type ClickHouseOptions struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string

	DialTimeout time.Duration
}

func (o ClickHouseOptions) table() string {
	if o.Table == "" {
		return defaultTable
	}
	return o.Table
}

func (o ClickHouseOptions) dialTimeout() time.Duration {
	if o.DialTimeout <= 0 {
		return 5 * time.Second
	}
	return o.DialTimeout
}

// ClickHouseSink batch-inserts request log entries over the native
// protocol.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink connects, pings and bootstraps the table.
func NewClickHouseSink(ctx context.Context, opts ClickHouseOptions) (*ClickHouseSink, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("usagelog: clickhouse address is required")
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: opts.dialTimeout(),
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("usagelog: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.dialTimeout())
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("usagelog: clickhouse ping: %w", err)
	}

	s := &ClickHouseSink{conn: conn, table: opts.table()}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *ClickHouseSink) ensureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, fmt.Sprintf(requestLogSchema, s.table)); err != nil {
		return fmt.Errorf("usagelog: clickhouse schema: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, entries []Entry) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("usagelog: prepare batch: %w", err)
	}

	for _, e := range entries {
		err := batch.Append(
			e.ID,
			e.TenantID,
			e.ProviderID,
			e.ProviderName,
			e.Model,
			e.Success,
			e.ErrorKind,
			uint8(min(e.Attempts, 255)),
			e.FallbackUsed,
			e.Streamed,
			e.Strategy,
			uint32(e.LatencyMs),
			uint32(e.PromptTokens),
			uint32(e.CompletionTokens),
			uint32(e.TotalTokens),
			e.EstimatedCost,
			e.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("usagelog: batch append: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("usagelog: batch send: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
