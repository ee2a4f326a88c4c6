// Package memsample is a sampling façade over perf_event_open(2) for
// observing memory-access behavior of live processes.
//
// A Channel owns one kernel counter and its mmap'd ring buffer for a single
// (pid, EventClass) pair. A ChannelSet multiplexes many Channels — one per
// watched pid times the configured event classes — through a single epoll
// instance, and dispatches decoded Samples through caller-supplied
// callbacks with no intermediate buffering.
//
// Neither type is safe for concurrent use; callers that want to poll
// multiple process sets concurrently must partition pids across disjoint
// ChannelSets.
package memsample
