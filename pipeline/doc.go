// Copyright (c) Knowflow Authors.
// Licensed under the MIT License.

// Package pipeline runs data through ordered processing stages.
//
// # Overview
//
// A pipeline is an ordered list of nodes, each bound to a processing stage
// and a set of agents. The declared order is the execution order. Every
// node receives the previous node's output batch, fans it out to its
// agents through the coordinator, joins on all of them and passes the
// produced batch on.
//
// Node outputs are cached under a deterministic fingerprint of the input
// batch, so re-running a pipeline over the same data short-circuits
// without invoking agents again. Cache backends fail open: an unreachable
// cache degrades to recomputation, never to a run failure.
//
// Each run keeps a PipelineState for introspection, replaced by the next
// run of the same pipeline.
package pipeline
