// Copyright (c) Knowflow Authors.
// Licensed under the MIT License.

// Package coordinator routes tasks to capable agents and merges results.
//
// # Overview
//
// A task type is matched against a keyword table ("video" routes to the
// youtube and media capability groups, "research" to web_research and rag,
// and so on); agents carrying any mapped capability tag become candidates.
// Callers may instead name agents explicitly, which bypasses selection.
//
// SubmitTask derives one sub-task per candidate, runs them all concurrently
// and combines the outcomes: a failed sub-task never cancels its siblings,
// and a sub-task that finds its agent disabled or at its concurrency limit
// fails immediately rather than queueing. The per-agent in-flight counters
// backing that gate are maintained here, not in the registry.
package coordinator
