package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"isobus-core/internal/models"
)

// Sink writes decoded message batches to ClickHouse. Every row carries the
// logical batch id so a retried flush can be deduplicated downstream.
type Sink struct {
	conn   driver.Conn
	config Config
}

// New connects to ClickHouse and bootstraps the message and stats tables.
func New(config Config) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", config.Host, config.Port)},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if err := createMessageTable(conn, config.Table); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	if config.StatsTable != "" {
		if err := createStatsTable(conn, config.StatsTable); err != nil {
			return nil, fmt.Errorf("failed to create stats table: %w", err)
		}
	}

	return &Sink{conn: conn, config: config}, nil
}

// createMessageTable creates the decoded-message table in ClickHouse
func createMessageTable(conn driver.Conn, tableName string) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp DateTime64(6),
			batch_id String,
			interface String,
			pgn UInt32,
			priority UInt8,
			source UInt8,
			destination UInt8,
			payload_kind String,
			data Array(UInt8)
		) ENGINE = MergeTree()
		ORDER BY (timestamp, pgn)
		PARTITION BY toYYYYMMDD(timestamp)
		TTL toDateTime(timestamp) + INTERVAL 1 MONTH
		SETTINGS index_granularity = 8192
	`, tableName)

	return conn.Exec(context.Background(), query)
}

// createStatsTable creates the interface health history table
func createStatsTable(conn driver.Conn, tableName string) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp DateTime64(6),
			interface String,
			state String,
			bus_state String,
			bitrate UInt32,
			restart_ms UInt32,
			rx_error_counter UInt32,
			tx_error_counter UInt32,
			rx_packets UInt64,
			rx_bytes UInt64,
			rx_errors UInt64,
			rx_dropped UInt64,
			tx_packets UInt64,
			tx_bytes UInt64,
			tx_errors UInt64,
			tx_dropped UInt64,
			bus_off_restarts UInt64,
			arbitration_lost UInt64,
			error_warning UInt64,
			error_passive UInt64,
			bus_off UInt64
		) ENGINE = MergeTree()
		ORDER BY (timestamp, interface)
		PARTITION BY toYYYYMMDD(timestamp)
		SETTINGS index_granularity = 8192
	`, tableName)

	return conn.Exec(context.Background(), query)
}

// WriteBatch bulk-inserts one flush. Order within the batch is preserved
// as given.
func (s *Sink) WriteBatch(ctx context.Context, batchID string, msgs []models.DecodedMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", s.config.Table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, msg := range msgs {
		kind := models.KindUnknown
		if msg.Payload != nil {
			kind = msg.Payload.Kind()
		}
		err = batch.Append(
			msg.Timestamp,
			batchID,
			msg.Interface,
			msg.PGN,
			msg.Priority,
			msg.Source,
			msg.Destination,
			kind.String(),
			msg.Data[:msg.DLC],
		)
		if err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// WriteLinkStats appends interface health history records.
func (s *Sink) WriteLinkStats(ctx context.Context, stats []models.LinkStats) error {
	if len(stats) == 0 || s.config.StatsTable == "" {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", s.config.StatsTable))
	if err != nil {
		return fmt.Errorf("failed to prepare stats batch: %w", err)
	}

	for _, st := range stats {
		err = batch.Append(
			st.Timestamp,
			st.Interface,
			st.State,
			st.BusState,
			uint32(st.Bitrate),
			uint32(st.RestartMS),
			uint32(st.RXErrorCnt),
			uint32(st.TXErrorCnt),
			st.RXPackets,
			st.RXBytes,
			st.RXErrors,
			st.RXDropped,
			st.TXPackets,
			st.TXBytes,
			st.TXErrors,
			st.TXDropped,
			st.BusOffRestarts,
			st.ArbitrationLost,
			st.ErrorWarning,
			st.ErrorPassive,
			st.BusOff,
		)
		if err != nil {
			return fmt.Errorf("failed to append stats: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send stats batch: %w", err)
	}
	return nil
}

// Close closes the ClickHouse connection
func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
