package replication

import (
	"context"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("replication")

// ThrottleController decides whether a replication dispatcher must slow down.
type ThrottleController interface {
	// Throttle blocks the caller when the backlog is too large and reports
	// whether it did. A cancelled context ends the block early and reports
	// false.
	Throttle(ctx context.Context, backlogSize int64, contextSize int, channelActive bool) bool
	// SuggestThroughput passes an observed throughput to adaptive policies.
	SuggestThroughput(throughput int)
}

// ThrottleControllerBuilder creates the controller of one replication channel.
type ThrottleControllerBuilder interface {
	CreateController(group, source, target string) ThrottleController
}

// BacklogSource is read by the dispatcher before every throttle decision.
type BacklogSource interface {
	CurrentBacklogSize() int64
	ChannelActive() bool
}

// Dispatch evaluates controller against the current state of source.
func Dispatch(ctx context.Context, controller ThrottleController, source BacklogSource, contextSize int) bool {
	return controller.Throttle(ctx, source.CurrentBacklogSize(), contextSize, source.ChannelActive())
}

// --------------------------------------------------------------------------
// Constant Throttle Controller
// --------------------------------------------------------------------------

// ConstantThrottleController sleeps a fixed delay whenever the backlog is at
// or above the threshold. It has no state and is its own builder.
type ConstantThrottleController struct {
	threshold int64
	delay     time.Duration
}

var (
	_ ThrottleController        = (*ConstantThrottleController)(nil)
	_ ThrottleControllerBuilder = (*ConstantThrottleController)(nil)
)

// NewConstantThrottleController creates a controller throttling backlogs of
// threshold packets and more by delay.
func NewConstantThrottleController(threshold int64, delay time.Duration) *ConstantThrottleController {
	return &ConstantThrottleController{threshold: threshold, delay: delay}
}

func (c *ConstantThrottleController) Throttle(ctx context.Context, backlogSize int64, _ int, _ bool) bool {
	if backlogSize < c.threshold {
		return false
	}

	t := time.NewTimer(c.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		log.Debugf("throttle interrupted: %v", ctx.Err())
		return false
	}
}

func (c *ConstantThrottleController) SuggestThroughput(int) {}

func (c *ConstantThrottleController) CreateController(_, _, _ string) ThrottleController {
	return c
}

func (c *ConstantThrottleController) Threshold() int64 {
	return c.threshold
}

func (c *ConstantThrottleController) Delay() time.Duration {
	return c.delay
}
