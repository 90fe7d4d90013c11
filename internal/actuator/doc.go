// Package actuator schedules named commands onto physical output channels.
//
// Each Channel owns a priority queue, a pacer enforcing a minimum interval
// between dispatch starts, a retry controller, a consecutive-failure circuit
// breaker and a bounded execution history. Exactly one command runs per
// channel at a time. Forced commands skip pacing and circuit rejection.
//
// Lifecycle events are published on an eventbus.Bus under the "command." and
// "channel." prefixes.
package actuator
