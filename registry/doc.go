// Copyright (c) Knowflow Authors.
// Licensed under the MIT License.

// Package registry provides the capability-indexed directory of live agents.
//
// # Overview
//
// An AgentRegistry owns agent registrations: it runs the Initialize hook
// when an agent joins, indexes the agent's capability tags and accepted
// task types for constant-time discovery, refreshes the registration TTL on
// lookups and heartbeats, and sweeps expired entries together with every
// index reference so a dead agent never lingers in a subset of its indices.
//
// MemoryRegistry keeps everything in process under one lock. RedisRegistry
// shares registration state across processes: records live under
// {prefix}agent:{id} with a key TTL, index sets under {prefix}cap:{tag} and
// {prefix}type:{task_type}, and registration plus index membership are
// written in one pipeline. Executable agent handles remain process-local in
// both backends; discovery on the Redis backend returns the handles hosted
// by the calling process while the shared record stays visible everywhere.
package registry
