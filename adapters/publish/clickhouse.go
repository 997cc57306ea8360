package publish

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gpu-index/internal/errors"
	"gpu-index/internal/logging"
)

// ClickHouseConfig holds connection settings
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

// ClickHouseSink appends publications to columnar tables for analytics
type ClickHouseSink struct {
	conn   clickhouse.Conn
	logger *zap.Logger
}

// NewClickHouseSink connects and creates the tables if needed
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig, logger *zap.Logger) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, errors.Publish("failed to connect to ClickHouse", err)
	}

	s := &ClickHouseSink{conn: conn, logger: logging.OrDefault(logger)}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *ClickHouseSink) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS gpu_index_values (
			batch_id          UUID,
			cycle_id          String,
			attempt           UInt16,
			variant           LowCardinality(String),
			asset_id          LowCardinality(String),
			value             Decimal(38, 18),
			source            LowCardinality(String),
			contributor_count UInt16,
			published_at      DateTime64(3, 'UTC')
		) ENGINE = MergeTree ORDER BY (variant, published_at)`,
		`CREATE TABLE IF NOT EXISTS gpu_index_contributions (
			batch_id        UUID,
			cycle_id        String,
			provider_id     LowCardinality(String),
			asset_id        LowCardinality(String),
			raw_price       Decimal(38, 18),
			effective_price Decimal(38, 18),
			weight          Decimal(38, 18),
			tier            LowCardinality(String),
			published_at    DateTime64(3, 'UTC')
		) ENGINE = MergeTree ORDER BY (provider_id, published_at)`,
	}
	for _, stmt := range stmts {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return errors.Publish("failed to create ClickHouse tables", err)
		}
	}
	return nil
}

// Name implements Sink
func (s *ClickHouseSink) Name() string { return "clickhouse" }

// Publish implements Sink
func (s *ClickHouseSink) Publish(ctx context.Context, pub *Publication) error {
	if err := pub.Validate(); err != nil {
		return err
	}
	batchID, err := uuid.Parse(pub.BatchID)
	if err != nil {
		return errors.Publish("invalid batch id", err)
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO gpu_index_values (
		batch_id, cycle_id, attempt, variant, asset_id, value, source, contributor_count, published_at
	)`)
	if err != nil {
		return errors.Publish("failed to prepare batch", err)
	}
	for _, v := range pub.Values {
		if err := batch.Append(
			batchID, pub.CycleID, uint16(pub.Attempt), string(v.Variant), v.AssetID,
			v.Value, string(v.Source), uint16(v.ContributorCount), pub.Timestamp,
		); err != nil {
			return errors.Publish("failed to append to batch", err)
		}
	}
	if err := batch.Send(); err != nil {
		return errors.Publish("failed to send index values", err)
	}

	if len(pub.Contributions) > 0 {
		batch, err = s.conn.PrepareBatch(ctx, `INSERT INTO gpu_index_contributions (
			batch_id, cycle_id, provider_id, asset_id, raw_price, effective_price, weight, tier, published_at
		)`)
		if err != nil {
			return errors.Publish("failed to prepare batch", err)
		}
		for _, c := range pub.Contributions {
			if err := batch.Append(
				batchID, pub.CycleID, c.ProviderID, c.AssetID,
				c.RawPrice, c.EffectivePrice, c.Weight, string(c.Tier), pub.Timestamp,
			); err != nil {
				return errors.Publish("failed to append to batch", err)
			}
		}
		if err := batch.Send(); err != nil {
			return errors.Publish("failed to send contributions", err)
		}
	}

	s.logger.Info("publication written to ClickHouse", logging.CycleID(pub.CycleID), zap.String("batch_id", pub.BatchID))
	return nil
}

// Close implements Sink
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
