// Package dispatch drives a single request through its plugin.
//
// A request moves through a fixed set of states:
//
//	Init -> ReadingBody -> Dispatching -> AwaitingSubrequests -> PostDispatch
//	                                    \                      /
//	                                     +---> Finalizing <---+ -> Done
//
// Any state may fall through to Error. The driver never blocks: whenever it
// needs the host to finish something (a body read, a round of
// sub-operations) it records where it stopped and returns OutcomePending.
// The host calls Engine.Run again once that work has made progress, and the
// driver resumes from the recorded state.
//
// Sub-operations are issued in rounds. A plugin queues targets on its
// context and returns plugin.StatusAgain; the engine issues the whole round,
// waits for every handle and hands the results back in the order they were
// queued before calling the plugin's PostSubHandle.
//
// The engine owns the plugin context. It is destroyed exactly once on both
// terminal paths.
package dispatch
