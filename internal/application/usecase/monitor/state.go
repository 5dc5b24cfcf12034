package monitor

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"hlstream/internal/application/port"
	"hlstream/internal/domain"
)

type Dir int

const (
	DirSame Dir = 0
	DirUp   Dir = +1
	DirDown Dir = -1
)

// StatusRemoved is recorded when a subscription key disappears from the store.
const StatusRemoved = "removed"

type barState struct {
	str string
	num decimal.Decimal
	has bool
	dir Dir
}

type keyState struct {
	status string
	reason string
}

type State struct {
	mu sync.Mutex

	order   []CandleFeed
	bars    map[string]*barState
	subs    map[string]keyState
	streams map[string]keyState
}

func NewState(candles []CandleFeed) *State {
	bars := make(map[string]*barState, len(candles))
	order := make([]CandleFeed, 0, len(candles))
	for _, c := range candles {
		if _, dup := bars[c.Key]; dup || c.Key == "" {
			continue
		}
		order = append(order, c)
		bars[c.Key] = &barState{}
	}
	return &State{
		order:   order,
		bars:    bars,
		subs:    make(map[string]keyState),
		streams: make(map[string]keyState),
	}
}

func (s *State) Candles() []CandleFeed {
	return s.order
}

// ApplyBar 记录一根 bar 的收盘价，返回显示是否需要更新
func (s *State) ApplyBar(key string, bar domain.Bar) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	bs := s.bars[key]
	if bs == nil {
		return false
	}
	str := bar.Close.String()
	if bs.has && bs.str == str {
		return false
	}
	switch {
	case !bs.has:
		bs.dir = DirSame
	case bar.Close.GreaterThan(bs.num):
		bs.dir = DirUp
	case bar.Close.LessThan(bs.num):
		bs.dir = DirDown
	default:
		bs.dir = DirSame
	}
	bs.str, bs.num, bs.has = str, bar.Close, true
	return true
}

// ResetBar 清空某个流的价格（连接断开时由 OnResetCache 调用）
func (s *State) ResetBar(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bs := s.bars[key]; bs != nil {
		*bs = barState{}
	}
}

// ObserveSubscriptions 对比 store 的最新状态，返回发生变化的 key
// 从 store 中消失的 key 记为 removed
func (s *State) ObserveSubscriptions(next map[string]keyState, ts int64) []port.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := diffStates(s.subs, next, ts)
	s.subs = next
	return events
}

// ObserveStreams 同上，针对 candle 流
func (s *State) ObserveStreams(next map[string]keyState, ts int64) []port.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := diffStates(s.streams, next, ts)
	s.streams = next
	return events
}

func diffStates(prev, next map[string]keyState, ts int64) []port.StatusEvent {
	var events []port.StatusEvent
	for key, ks := range next {
		if old, ok := prev[key]; ok && old == ks {
			continue
		}
		events = append(events, port.StatusEvent{Key: key, Status: ks.status, Reason: ks.reason, Ts: ts})
	}
	for key := range prev {
		if _, ok := next[key]; !ok {
			events = append(events, port.StatusEvent{Key: key, Status: StatusRemoved, Ts: ts})
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Key < events[j].Key })
	return events
}

type counts struct {
	total int
	ok    int
	err   int
}

type view struct {
	subs    counts
	streams counts
	bars    map[string]barState
}

func (s *State) view() view {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := view{bars: make(map[string]barState, len(s.bars))}
	for k, b := range s.bars {
		v.bars[k] = *b
	}
	v.subs = countStates(s.subs, domain.StatusSubscribed.String(), domain.StatusError.String())
	v.streams = countStates(s.streams, domain.StreamActive.String(), domain.StreamError.String())
	return v
}

func countStates(m map[string]keyState, okStatus, errStatus string) counts {
	c := counts{total: len(m)}
	for _, ks := range m {
		switch ks.status {
		case okStatus:
			c.ok++
		case errStatus:
			c.err++
		}
	}
	return c
}
