package replication

import (
	"context"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

// MeteredThrottleBuilder creates one controller per channel on top of a
// shared builder. Each controller counts throttle events and measures the
// time spent throttled.
type MeteredThrottleBuilder struct {
	inner    ThrottleControllerBuilder
	registry gometrics.Registry
	channels *xsync.MapOf[string, *MeteredThrottleController]
}

// NewMeteredThrottleBuilder wraps inner. A nil registry creates a new one.
func NewMeteredThrottleBuilder(inner ThrottleControllerBuilder, registry gometrics.Registry) *MeteredThrottleBuilder {
	if registry == nil {
		registry = gometrics.NewRegistry()
	}
	return &MeteredThrottleBuilder{
		inner:    inner,
		registry: registry,
		channels: xsync.NewMapOf[string, *MeteredThrottleController](),
	}
}

// CreateController returns the controller of a channel. Repeated calls for
// the same channel return the same controller.
func (b *MeteredThrottleBuilder) CreateController(group, source, target string) ThrottleController {
	name := channelName(group, source, target)
	c, _ := b.channels.LoadOrCompute(name, func() *MeteredThrottleController {
		return &MeteredThrottleController{
			inner:     b.inner.CreateController(group, source, target),
			throttled: gometrics.GetOrRegisterMeter(name+".throttled", b.registry),
			duration:  gometrics.GetOrRegisterTimer(name+".duration", b.registry),
		}
	})
	return c
}

// Registry returns the registry all channel metrics are recorded in.
func (b *MeteredThrottleBuilder) Registry() gometrics.Registry {
	return b.registry
}

// Channels returns the number of channels controllers were created for.
func (b *MeteredThrottleBuilder) Channels() int {
	return b.channels.Size()
}

func channelName(group, source, target string) string {
	return strings.Join([]string{"replication", "throttle", group, source, target}, ".")
}

// MeteredThrottleController records the decisions of the wrapped controller.
type MeteredThrottleController struct {
	inner     ThrottleController
	throttled gometrics.Meter
	duration  gometrics.Timer
}

func (m *MeteredThrottleController) Throttle(ctx context.Context, backlogSize int64, contextSize int, channelActive bool) bool {
	start := time.Now()
	if !m.inner.Throttle(ctx, backlogSize, contextSize, channelActive) {
		return false
	}
	m.throttled.Mark(1)
	m.duration.UpdateSince(start)
	return true
}

func (m *MeteredThrottleController) SuggestThroughput(throughput int) {
	m.inner.SuggestThroughput(throughput)
}

// ThrottledCount returns how often the channel was throttled.
func (m *MeteredThrottleController) ThrottledCount() int64 {
	return m.throttled.Count()
}
