package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"hlstream/internal/application/port"
	"hlstream/internal/application/service"
	"hlstream/internal/domain"
)

var ErrNoFeeds = errors.New("no feeds configured")

const persistTimeout = 5 * time.Second

type ServiceDeps struct {
	Transport     port.Transport
	Registry      *service.SubscriptionRegistry
	Candles       *service.CandleStore
	Feeds         []Feed
	CandleFeeds   []CandleFeed
	PrintEvery    time.Duration
	SnapshotEvery time.Duration
	Color         bool
	Sink          port.Sink
	Repo          port.Repository
	Retry         domain.ReconnectPolicy // backoff for re-acquiring failed feeds
}

type Service struct {
	deps ServiceDeps
	st   *State
	fmt  *Formatter
}

func NewService(deps ServiceDeps) *Service {
	if deps.Repo == nil {
		deps.Repo = NewNoopRepo()
	}
	if deps.PrintEvery <= 0 {
		deps.PrintEvery = 10 * time.Second
	}
	if deps.SnapshotEvery <= 0 {
		deps.SnapshotEvery = 5 * time.Minute
	}
	if deps.Retry.BaseDelay <= 0 {
		deps.Retry = domain.DefaultReconnectPolicy()
	}
	return &Service{
		deps: deps,
		st:   NewState(deps.CandleFeeds),
		fmt:  NewFormatter(deps.Color),
	}
}

// PlanFeeds 根据配置生成要订阅的 feed 列表
func PlanFeeds(coins, intervals []string, books, trades, allMids bool, users []string) ([]Feed, []CandleFeed, error) {
	var feeds []Feed
	add := func(method string, params any) error {
		key, err := domain.SerializeKey(method, params)
		if err != nil {
			return err
		}
		feeds = append(feeds, Feed{Key: key, Method: method, Params: params})
		return nil
	}

	for _, coin := range coins {
		if books {
			if err := add("l2Book", map[string]any{"coin": coin}); err != nil {
				return nil, nil, err
			}
		}
		if trades {
			if err := add("trades", map[string]any{"coin": coin}); err != nil {
				return nil, nil, err
			}
		}
	}
	if allMids {
		if err := add("allMids", nil); err != nil {
			return nil, nil, err
		}
	}
	for _, user := range users {
		for _, method := range []string{"webData2", "userFills"} {
			if err := add(method, map[string]any{"user": user}); err != nil {
				return nil, nil, err
			}
		}
	}

	var candles []CandleFeed
	for _, coin := range coins {
		for _, interval := range intervals {
			key, err := service.CandleKey(coin, interval)
			if err != nil {
				return nil, nil, err
			}
			candles = append(candles, CandleFeed{Key: key, Coin: coin, Interval: interval})
		}
	}
	return feeds, candles, nil
}

func (s *Service) Run(ctx context.Context) error {
	if len(s.deps.Feeds) == 0 && len(s.deps.CandleFeeds) == 0 {
		return ErrNoFeeds
	}

	changed := make(chan struct{}, 1)
	poke := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	stopStore := s.deps.Registry.Store().Subscribe(poke)
	defer stopStore()
	if s.deps.Candles != nil {
		stopCandles := s.deps.Candles.OnChange(poke)
		defer stopCandles()
	}

	writer := NewBarWriter(s.deps.Repo, 256)
	defer writer.Close()

	// acquire registry-managed feeds
	for _, f := range s.deps.Feeds {
		s.deps.Registry.Acquire(f.Key, s.subscribeFunc(f))
		log.Info().Str("key", f.Key).Msg("feed acquired")
	}
	defer func() {
		for _, f := range s.deps.Feeds {
			s.deps.Registry.Release(f.Key)
		}
	}()

	retrier := newFeedRetrier(s.deps.Retry, len(s.deps.Feeds))
	defer retrier.stop()
	feedByKey := make(map[string]Feed, len(s.deps.Feeds))
	for _, f := range s.deps.Feeds {
		feedByKey[f.Key] = f
	}
	retrier.observe(s.deps.Feeds, s.deps.Registry.Store().Snapshot())

	// candle listeners
	listenerIDs := make(map[string]string, len(s.deps.CandleFeeds))
	if s.deps.Candles != nil {
		for _, cf := range s.deps.CandleFeeds {
			id := uuid.NewString()
			if err := s.deps.Candles.Subscribe(cf.Key, cf.Coin, cf.Interval, id, s.candleListener(cf.Key, writer, poke)); err != nil {
				log.Error().Err(err).Str("key", cf.Key).Msg("candle subscribe failed")
				continue
			}
			listenerIDs[cf.Key] = id
			log.Info().Str("key", cf.Key).Str("listener", id).Msg("candle stream started")
		}
	}
	defer func() {
		for key, id := range listenerIDs {
			s.deps.Candles.Unsubscribe(key, id)
		}
	}()

	printTicker := time.NewTicker(s.deps.PrintEvery)
	defer printTicker.Stop()
	snapTicker := time.NewTicker(s.deps.SnapshotEvery)
	defer snapTicker.Stop()

	// initial live line
	_ = s.deps.Sink.WriteLive(s.fmt.Render(s.st, RenderLive))

	for {
		select {
		case <-ctx.Done():
			s.recordTransitions()
			_ = s.deps.Sink.NewLine()
			return ctx.Err()

		case <-changed:
			retrier.observe(s.deps.Feeds, s.deps.Registry.Store().Snapshot())
			if s.recordTransitions() > 0 {
				_ = s.deps.Sink.WriteLive(s.fmt.Render(s.st, RenderLive))
			}

		case key := <-retrier.due:
			retrier.fired(key)
			s.retryFeed(feedByKey[key])

		case <-printTicker.C:
			_ = s.deps.Sink.WriteLive(s.fmt.Render(s.st, RenderLive))

		case now := <-snapTicker.C:
			_ = s.deps.Sink.WriteSnapshot(now, s.fmt.Render(s.st, RenderSnapshot))
		}
	}
}

func (s *Service) subscribeFunc(f Feed) service.SubscribeFunc {
	return func(ctx context.Context, l port.Listener) (port.Subscription, error) {
		return s.deps.Transport.Subscribe(ctx, f.Method, f.Params, l)
	}
}

// retryFeed starts a fresh subscribe attempt for a failed feed without dropping its reference.
func (s *Service) retryFeed(f Feed) {
	e, ok := s.deps.Registry.Store().Get(f.Key)
	if !ok || e.Status != domain.StatusError {
		return
	}
	log.Info().Str("key", f.Key).Msg("re-acquiring feed")
	s.deps.Registry.Acquire(f.Key, s.subscribeFunc(f))
	s.deps.Registry.Release(f.Key)
}

func (s *Service) candleListener(key string, writer *BarWriter, poke func()) service.CandleListener {
	return service.CandleListener{
		OnTick: func(bar domain.Bar) {
			if s.st.ApplyBar(key, bar) {
				poke()
			}
			writer.Enqueue(key, bar)
		},
		OnResetCache: func() {
			s.st.ResetBar(key)
			poke()
		},
	}
}

// recordTransitions 持久化自上次以来的状态变化，返回变化条数
func (s *Service) recordTransitions() int {
	ts := time.Now().UnixMilli()

	subs := make(map[string]keyState)
	for key, e := range s.deps.Registry.Store().Snapshot() {
		subs[key] = keyState{status: e.Status.String(), reason: errText(e.Err)}
	}
	events := s.st.ObserveSubscriptions(subs, ts)

	if s.deps.Candles != nil {
		streams := make(map[string]keyState)
		for _, cs := range s.deps.Candles.Streams() {
			streams[cs.Key] = keyState{status: cs.Status.String(), reason: errText(cs.Err)}
		}
		events = append(events, s.st.ObserveStreams(streams, ts)...)
	}

	if len(events) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	for _, ev := range events {
		if err := s.deps.Repo.InsertStatusEvent(ctx, ev.Key, ev.Status, ev.Reason, ev.Ts); err != nil {
			log.Error().Err(err).Str("key", ev.Key).Msg("persist status event failed")
		}
	}
	return len(events)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
