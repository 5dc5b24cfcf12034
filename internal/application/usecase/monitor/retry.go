package monitor

import (
	"time"

	"github.com/rs/zerolog/log"

	"hlstream/internal/application/service"
	"hlstream/internal/domain"
)

// feedRetrier re-acquires registry feeds that settled in error, backing off per key.
// Only the Run goroutine touches it; timers hand due keys back through due.
type feedRetrier struct {
	policy   domain.ReconnectPolicy
	due      chan string
	attempts map[string]int
	timers   map[string]*time.Timer
}

func newFeedRetrier(policy domain.ReconnectPolicy, feeds int) *feedRetrier {
	return &feedRetrier{
		policy:   policy,
		due:      make(chan string, feeds+1),
		attempts: make(map[string]int),
		timers:   make(map[string]*time.Timer),
	}
}

// observe arms a retry for every failed feed and resets the attempts of healthy ones.
func (r *feedRetrier) observe(feeds []Feed, entries map[string]service.Entry) {
	for _, f := range feeds {
		e, ok := entries[f.Key]
		if !ok {
			continue
		}
		switch e.Status {
		case domain.StatusSubscribed:
			r.attempts[f.Key] = 0
		case domain.StatusError:
			if _, armed := r.timers[f.Key]; armed {
				continue
			}
			attempts, next := r.policy.Next(r.attempts[f.Key])
			if next.Cooldown {
				attempts = 0
			}
			r.attempts[f.Key] = attempts
			key := f.Key
			r.timers[key] = time.AfterFunc(next.Delay, func() {
				select {
				case r.due <- key:
				default:
				}
			})
			log.Info().
				Str("key", key).
				Dur("delay", next.Delay).
				Bool("cooldown", next.Cooldown).
				Msg("feed failed, retry scheduled")
		}
	}
}

// fired clears the timer of key so a later failure can arm a new one.
func (r *feedRetrier) fired(key string) {
	delete(r.timers, key)
}

func (r *feedRetrier) stop() {
	for key, t := range r.timers {
		t.Stop()
		delete(r.timers, key)
	}
}
