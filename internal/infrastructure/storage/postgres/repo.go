package postgres

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"hlstream/internal/application/port"
	"hlstream/internal/domain"
)

type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS last_bars (
  stream_key TEXT PRIMARY KEY,
  coin TEXT NOT NULL,
  bar_interval TEXT NOT NULL,
  open_time BIGINT NOT NULL,
  close_time BIGINT NOT NULL,
  open_px NUMERIC NOT NULL,
  high_px NUMERIC NOT NULL,
  low_px NUMERIC NOT NULL,
  close_px NUMERIC NOT NULL,
  volume NUMERIC NOT NULL,
  trades BIGINT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stream_events (
  id BIGSERIAL PRIMARY KEY,
  stream_key TEXT NOT NULL,
  status TEXT NOT NULL,
  reason TEXT NOT NULL,
  ts_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stream_events_key_ts ON stream_events(stream_key, ts_ms);
`)
	return err
}

func (r *Repo) UpsertLastBar(ctx context.Context, key string, bar domain.Bar) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO last_bars(stream_key, coin, bar_interval, open_time, close_time, open_px, high_px, low_px, close_px, volume, trades)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT(stream_key) DO UPDATE SET
  coin=EXCLUDED.coin,
  bar_interval=EXCLUDED.bar_interval,
  open_time=EXCLUDED.open_time,
  close_time=EXCLUDED.close_time,
  open_px=EXCLUDED.open_px,
  high_px=EXCLUDED.high_px,
  low_px=EXCLUDED.low_px,
  close_px=EXCLUDED.close_px,
  volume=EXCLUDED.volume,
  trades=EXCLUDED.trades,
  updated_at=now()
`, key, bar.Coin, bar.Interval, bar.OpenTime, bar.CloseTime,
		bar.Open.String(), bar.High.String(), bar.Low.String(), bar.Close.String(), bar.Volume.String(),
		bar.Trades)
	return err
}

func (r *Repo) GetLastBar(ctx context.Context, key string) (domain.Bar, bool, error) {
	var bar domain.Bar
	var open, high, low, cl, vol string
	err := r.db.QueryRowContext(ctx, `
SELECT coin, bar_interval, open_time, close_time, open_px::text, high_px::text, low_px::text, close_px::text, volume::text, trades
FROM last_bars WHERE stream_key = $1`, key).
		Scan(&bar.Coin, &bar.Interval, &bar.OpenTime, &bar.CloseTime, &open, &high, &low, &cl, &vol, &bar.Trades)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bar{}, false, nil
	}
	if err != nil {
		return domain.Bar{}, false, err
	}
	for _, p := range []struct {
		raw string
		dst *decimal.Decimal
	}{{open, &bar.Open}, {high, &bar.High}, {low, &bar.Low}, {cl, &bar.Close}, {vol, &bar.Volume}} {
		d, err := decimal.NewFromString(p.raw)
		if err != nil {
			return domain.Bar{}, false, err
		}
		*p.dst = d
	}
	return bar, true, nil
}

func (r *Repo) InsertStatusEvent(ctx context.Context, key, status, reason string, ts int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO stream_events(stream_key, status, reason, ts_ms) VALUES($1, $2, $3, $4)`,
		key, status, reason, ts)
	return err
}

var _ port.Repository = (*Repo)(nil)
