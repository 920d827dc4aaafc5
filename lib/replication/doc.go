/*
Package replication contains the back pressure side of the replication
channels of a grid node.

A ThrottleController is asked on every dispatch round whether the dispatcher
has to slow down. ConstantThrottleController blocks the caller for a fixed
delay once the backlog reached a threshold; it is stateless and one instance
may serve every channel. MeteredThrottleBuilder wraps controllers per channel
and records throttling in a go-metrics registry.

BoundedRedoLogConfig validates the sizing of the redo log once, and
SwapRedoLog uses it to keep a bounded window of packets in memory and move the
oldest packets to secondary storage in batches. A SwapRedoLog is a
BacklogSource, so its size feeds the controllers directly:

	log, _ := replication.NewSwapRedoLog(cfg)
	ctrl := replication.NewConstantThrottleController(threshold, delay)
	for {
		replication.Dispatch(ctx, ctrl, log, contextSize)
		...
	}
*/
package replication
