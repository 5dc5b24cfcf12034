package port

import "time"

// Metrics receives counters from the streaming layer.
type Metrics interface {
	PayloadDropped(kind string, size int)
	SubscribeFailed(kind string)
	ReconnectScheduled(key string, delay time.Duration)
	CooldownEntered(key string)
	TrackedKeys(n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) PayloadDropped(string, int) {}
func (NopMetrics) SubscribeFailed(string) {}
func (NopMetrics) ReconnectScheduled(string, time.Duration) {}
func (NopMetrics) CooldownEntered(string) {}
func (NopMetrics) TrackedKeys(int) {}
