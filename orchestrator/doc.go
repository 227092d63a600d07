// Copyright (c) Knowflow Authors.
// Licensed under the MIT License.

// Package orchestrator drives task execution end to end.
//
// # Overview
//
// The Orchestrator accepts task submissions, pushes them onto the queue and
// acts as the queue's executor: addressed tasks go straight to their agent,
// unaddressed ones fan out through the coordinator. Two background loops
// watch the system while tasks run.
//
// The task monitor follows every submitted task until it settles. Completed
// results are handed to the ResultSink exactly once, with sink errors
// logged rather than retried. Failed tasks re-enter the queue while their
// retry budget lasts. Sinks that also implement TaskArchiver receive every
// task that reaches a terminal status, whatever the outcome.
//
// The agent monitor sweeps expired registrations and watches the agents
// that own running work. When an agent disappears or stops being ready its
// running tasks are rewound to pending with the agent cleared and pushed
// again at no cost to their retry budget, and the agent is unregistered.
//
// Both loops log and skip over per-item errors; a pass-level failure backs
// off briefly instead of killing the loop.
package orchestrator
