package publish

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"gpu-index/internal/errors"
	"gpu-index/internal/logging"
)

// PostgresSink writes index values and hyperscaler contributions to
// PostgreSQL in one transaction per publication
type PostgresSink struct {
	db                 *sql.DB
	indexTable         string
	contributionsTable string
	logger             *zap.Logger
}

// NewPostgresSink opens a connection and creates the tables if needed
func NewPostgresSink(ctx context.Context, dsn, indexTable, contributionsTable string, logger *zap.Logger) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Publish("failed to open postgres", err)
	}
	s := &PostgresSink{
		db:                 db,
		indexTable:         indexTable,
		contributionsTable: contributionsTable,
		logger:             logging.OrDefault(logger),
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Publish("failed to connect to postgres", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			batch_id          UUID        NOT NULL,
			cycle_id          TEXT        NOT NULL,
			attempt           INTEGER     NOT NULL,
			variant           TEXT        NOT NULL,
			asset_id          TEXT        NOT NULL,
			value             NUMERIC     NOT NULL CHECK (value > 0),
			scaled            NUMERIC(78) NOT NULL,
			source            TEXT        NOT NULL,
			contributor_count INTEGER     NOT NULL,
			published_at      TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (batch_id, variant)
		)`, pq.QuoteIdentifier(s.indexTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			batch_id        UUID        NOT NULL,
			cycle_id        TEXT        NOT NULL,
			provider_id     TEXT        NOT NULL,
			asset_id        TEXT        NOT NULL,
			raw_price       NUMERIC     NOT NULL,
			effective_price NUMERIC     NOT NULL,
			weight          NUMERIC     NOT NULL,
			scaled          NUMERIC(78) NOT NULL,
			tier            TEXT        NOT NULL,
			published_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (batch_id, provider_id)
		)`, pq.QuoteIdentifier(s.contributionsTable)),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Publish("failed to create publication tables", err)
		}
	}
	return nil
}

// Name implements Sink
func (s *PostgresSink) Name() string { return "postgres" }

// Publish implements Sink
func (s *PostgresSink) Publish(ctx context.Context, pub *Publication) error {
	if err := pub.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Publish("failed to begin transaction", err)
	}
	defer tx.Rollback()

	indexInsert := fmt.Sprintf(`INSERT INTO %s
		(batch_id, cycle_id, attempt, variant, asset_id, value, scaled, source, contributor_count, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, pq.QuoteIdentifier(s.indexTable))
	for _, v := range pub.Values {
		if _, err := tx.ExecContext(ctx, indexInsert,
			pub.BatchID, pub.CycleID, pub.Attempt, string(v.Variant), v.AssetID,
			v.Value.String(), v.Scaled.String(), string(v.Source), v.ContributorCount, pub.Timestamp,
		); err != nil {
			return errors.Publish("failed to insert index value", err).WithContext("variant", string(v.Variant))
		}
	}

	contribInsert := fmt.Sprintf(`INSERT INTO %s
		(batch_id, cycle_id, provider_id, asset_id, raw_price, effective_price, weight, scaled, tier, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, pq.QuoteIdentifier(s.contributionsTable))
	for _, c := range pub.Contributions {
		if _, err := tx.ExecContext(ctx, contribInsert,
			pub.BatchID, pub.CycleID, c.ProviderID, c.AssetID,
			c.RawPrice.String(), c.EffectivePrice.String(), c.Weight.String(), c.Scaled.String(),
			string(c.Tier), pub.Timestamp,
		); err != nil {
			return errors.Publish("failed to insert contribution", err).WithContext("provider", c.ProviderID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Publish("failed to commit publication", err)
	}
	s.logger.Info("publication written to postgres", logging.CycleID(pub.CycleID), zap.String("batch_id", pub.BatchID))
	return nil
}

// Close implements Sink
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
