package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"hlstream/internal/application/port"
	"hlstream/internal/domain"
)

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

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
  open_time INTEGER NOT NULL,
  close_time INTEGER NOT NULL,
  open_px TEXT NOT NULL,
  high_px TEXT NOT NULL,
  low_px TEXT NOT NULL,
  close_px TEXT NOT NULL,
  volume TEXT NOT NULL,
  trades INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stream_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  stream_key TEXT NOT NULL,
  status TEXT NOT NULL,
  reason TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stream_events_key ON stream_events(stream_key);
CREATE INDEX IF NOT EXISTS idx_stream_events_ts ON stream_events(ts_ms);
`)
	return err
}

// UpsertLastBar 保存每个 candle stream 的最新一根 bar
func (r *Repo) UpsertLastBar(ctx context.Context, key string, bar domain.Bar) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO last_bars(stream_key, coin, bar_interval, open_time, close_time, open_px, high_px, low_px, close_px, volume, trades, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(stream_key) DO UPDATE SET
  coin=excluded.coin,
  bar_interval=excluded.bar_interval,
  open_time=excluded.open_time,
  close_time=excluded.close_time,
  open_px=excluded.open_px,
  high_px=excluded.high_px,
  low_px=excluded.low_px,
  close_px=excluded.close_px,
  volume=excluded.volume,
  trades=excluded.trades,
  updated_at=excluded.updated_at
`, key, bar.Coin, bar.Interval, bar.OpenTime, bar.CloseTime,
		bar.Open.String(), bar.High.String(), bar.Low.String(), bar.Close.String(), bar.Volume.String(),
		bar.Trades, time.Now().UnixMilli())
	return err
}

func (r *Repo) GetLastBar(ctx context.Context, key string) (domain.Bar, bool, error) {
	var bar domain.Bar
	var open, high, low, cl, vol string
	err := r.db.QueryRowContext(ctx, `
SELECT coin, bar_interval, open_time, close_time, open_px, high_px, low_px, close_px, volume, trades
FROM last_bars WHERE stream_key = ?`, key).
		Scan(&bar.Coin, &bar.Interval, &bar.OpenTime, &bar.CloseTime, &open, &high, &low, &cl, &vol, &bar.Trades)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bar{}, false, nil
	}
	if err != nil {
		return domain.Bar{}, false, err
	}
	if err := parseDecimals([]string{open, high, low, cl, vol},
		[]*decimal.Decimal{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume}); err != nil {
		return domain.Bar{}, false, err
	}
	return bar, true, nil
}

func (r *Repo) InsertStatusEvent(ctx context.Context, key, status, reason string, ts int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO stream_events(stream_key, status, reason, ts_ms, created_at) VALUES(?, ?, ?, ?, ?)`,
		key, status, reason, ts, time.Now().UnixMilli())
	return err
}

// ListStatusEvents 按时间顺序返回某个 key 的状态变化
func (r *Repo) ListStatusEvents(ctx context.Context, key string) ([]port.StatusEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT stream_key, status, reason, ts_ms FROM stream_events WHERE stream_key = ? ORDER BY id`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []port.StatusEvent
	for rows.Next() {
		var ev port.StatusEvent
		if err := rows.Scan(&ev.Key, &ev.Status, &ev.Reason, &ev.Ts); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func parseDecimals(raw []string, dst []*decimal.Decimal) error {
	for i, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		*dst[i] = d
	}
	return nil
}

var _ port.Repository = (*Repo)(nil)
