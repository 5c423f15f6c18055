// Package sqlite implements store.Store on SQLite through gorm.
//
// Decimals are stored as TEXT to keep full precision and timestamps as unix
// nanoseconds so range scans compare integers.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	sqlitedriver "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tickbars/internal/model"
	"tickbars/internal/store"
)

const insertBatchSize = 500

type rawTickRow struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Symbol     string `gorm:"type:text;not null;uniqueIndex:idx_raw_ticks_identity,priority:1;index:idx_raw_ticks_symbol_time,priority:1"`
	TradeID    int64  `gorm:"not null;uniqueIndex:idx_raw_ticks_identity,priority:2"`
	EventTime  int64  `gorm:"not null;uniqueIndex:idx_raw_ticks_identity,priority:3;index:idx_raw_ticks_symbol_time,priority:2"`
	TradeTime  int64  `gorm:"not null"`
	IngestTime int64  `gorm:"not null"`
	InsertedAt int64  `gorm:"not null"`
	Price      string `gorm:"type:text;not null"`
	Quantity   string `gorm:"type:text;not null"`
}

func (rawTickRow) TableName() string { return "raw_ticks" }

type candleRow struct {
	Symbol      string `gorm:"primaryKey;type:text"`
	Timeframe   string `gorm:"primaryKey;type:varchar(8)"`
	BucketStart int64  `gorm:"primaryKey"`
	Open        string `gorm:"type:text;not null"`
	High        string `gorm:"type:text;not null"`
	Low         string `gorm:"type:text;not null"`
	Close       string `gorm:"type:text;not null"`
	Volume      string `gorm:"type:text;not null"`
	TradeCount  int64  `gorm:"not null"`
	CreatedAt   time.Time
}

func (candleRow) TableName() string { return "candles" }

// Store is a gorm-backed store.Store.
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to the SQLite database at dsn (a file path or ":memory:").
//
// The pool is pinned to a single connection: SQLite serializes writers anyway
// and an in-memory database exists per connection.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlitedriver.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	log.Info().Str("component", "sqlite").Str("dsn", dsn).Msg("sqlite store opened")
	return &Store{db: db}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&rawTickRow{}, &candleRow{}); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) AppendRawTicks(ctx context.Context, ticks []model.RawTick) (int, error) {
	if len(ticks) == 0 {
		return 0, nil
	}

	rows := make([]rawTickRow, len(ticks))
	for i, t := range ticks {
		rows[i] = toTickRow(t)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, insertBatchSize).Error
	})
	if err != nil {
		return 0, translateError(err)
	}
	return len(rows), nil
}

func (s *Store) InsertRawTick(ctx context.Context, tick model.RawTick) error {
	row := toTickRow(tick)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return translateError(err)
	}
	return nil
}

func (s *Store) QueryRawTicks(ctx context.Context, symbol string, from, to time.Time) ([]model.RawTick, error) {
	var rows []rawTickRow
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND event_time >= ? AND event_time <= ?", symbol, from.UnixNano(), to.UnixNano()).
		Order("event_time ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query raw ticks: %w", err)
	}

	out := make([]model.RawTick, 0, len(rows))
	for _, r := range rows {
		t, err := fromTickRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) DeleteRawTicksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("event_time < ?", cutoff.UnixNano()).Delete(&rawTickRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete raw ticks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) UpsertCandle(ctx context.Context, c model.Candle) error {
	row := toCandleRow(c)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: candle %s/%s@%d", store.ErrDuplicate, c.Symbol, c.Timeframe, row.BucketStart)
	}
	return nil
}

func (s *Store) LatestCandleStart(ctx context.Context, symbol string, tf model.Timeframe) (time.Time, error) {
	var row candleRow
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, string(tf)).
		Order("bucket_start DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, store.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("latest candle: %w", err)
	}
	return time.Unix(0, row.BucketStart).UTC(), nil
}

func (s *Store) QueryCandles(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error) {
	var rows []candleRow
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND bucket_start >= ? AND bucket_start < ?",
			symbol, string(tf), from.UnixNano(), to.UnixNano()).
		Order("bucket_start ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}

	out := make([]model.Candle, 0, len(rows))
	for _, r := range rows {
		c, err := fromCandleRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// translateError maps unique-constraint failures onto store.ErrDuplicate.
func translateError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %w", store.ErrDuplicate, err)
	}
	return err
}

func toTickRow(t model.RawTick) rawTickRow {
	return rawTickRow{
		Symbol:     t.Symbol,
		TradeID:    t.TradeID,
		EventTime:  t.EventTime.UnixNano(),
		TradeTime:  t.TradeTime.UnixNano(),
		IngestTime: t.IngestTime.UnixNano(),
		InsertedAt: t.InsertedAt.UnixNano(),
		Price:      t.Price.String(),
		Quantity:   t.Quantity.String(),
	}
}

func fromTickRow(r rawTickRow) (model.RawTick, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return model.RawTick{}, fmt.Errorf("raw tick %d price: %w", r.ID, err)
	}
	qty, err := decimal.NewFromString(r.Quantity)
	if err != nil {
		return model.RawTick{}, fmt.Errorf("raw tick %d quantity: %w", r.ID, err)
	}
	return model.RawTick{
		Symbol:     r.Symbol,
		Price:      price,
		Quantity:   qty,
		TradeID:    r.TradeID,
		EventTime:  time.Unix(0, r.EventTime).UTC(),
		TradeTime:  time.Unix(0, r.TradeTime).UTC(),
		IngestTime: time.Unix(0, r.IngestTime).UTC(),
		InsertedAt: time.Unix(0, r.InsertedAt).UTC(),
	}, nil
}

func toCandleRow(c model.Candle) candleRow {
	return candleRow{
		Symbol:      c.Symbol,
		Timeframe:   string(c.Timeframe),
		BucketStart: c.BucketStart.UnixNano(),
		Open:        c.Open.String(),
		High:        c.High.String(),
		Low:         c.Low.String(),
		Close:       c.Close.String(),
		Volume:      c.Volume.String(),
		TradeCount:  c.TradeCount,
	}
}

func fromCandleRow(r candleRow) (model.Candle, error) {
	var (
		c   = model.Candle{Symbol: r.Symbol, Timeframe: model.Timeframe(r.Timeframe), TradeCount: r.TradeCount}
		err error
	)
	c.BucketStart = time.Unix(0, r.BucketStart).UTC()
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&c.Open, r.Open}, {&c.High, r.High}, {&c.Low, r.Low}, {&c.Close, r.Close}, {&c.Volume, r.Volume},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return model.Candle{}, fmt.Errorf("candle %s/%s decimal %q: %w", r.Symbol, r.Timeframe, f.src, err)
		}
	}
	return c, nil
}
