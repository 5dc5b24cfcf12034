package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"hlstream/internal/domain"
)

const barWriteTimeout = 5 * time.Second

type barWrite struct {
	key string
	bar domain.Bar
}

// BarWriter 异步持久化 bar，队列满时丢弃，避免阻塞 transport 读循环
type BarWriter struct {
	repo    Repository
	queue   chan barWrite
	dropped atomic.Int64
	written atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

func NewBarWriter(repo Repository, size int) *BarWriter {
	if size <= 0 {
		size = 256
	}
	w := &BarWriter{
		repo:    repo,
		queue:   make(chan barWrite, size),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Enqueue never blocks.
func (w *BarWriter) Enqueue(key string, bar domain.Bar) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.queue <- barWrite{key: key, bar: bar}:
		return true
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Warn().Str("key", key).Int64("dropped", n).Msg("bar write queue full")
		}
		return false
	}
}

func (w *BarWriter) Dropped() int64 { return w.dropped.Load() }
func (w *BarWriter) Written() int64 { return w.written.Load() }

// Close 停止接收新的 bar，并写完队列里剩余的
func (w *BarWriter) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	<-w.stopped
}

func (w *BarWriter) loop() {
	defer close(w.stopped)
	for {
		select {
		case item := <-w.queue:
			w.write(item)
		case <-w.done:
			for {
				select {
				case item := <-w.queue:
					w.write(item)
				default:
					return
				}
			}
		}
	}
}

func (w *BarWriter) write(item barWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), barWriteTimeout)
	defer cancel()
	if err := w.repo.UpsertLastBar(ctx, item.key, item.bar); err != nil {
		log.Error().Err(err).Str("key", item.key).Msg("persist last bar failed")
		return
	}
	w.written.Add(1)
}
