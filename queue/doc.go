// Copyright (c) Knowflow Authors.
// Licensed under the MIT License.

// Package queue provides the task queue backends that feed agent execution.
//
// # Overview
//
// A TaskQueue stores tasks, tracks their lifecycle, and hands pending work
// to an Executor through the backend's own delivery mechanism. Two backends
// are provided: MemoryQueue for in-process deployments and RedisQueue for
// multi-process ones. Both drain by task priority, first-in-first-out within
// a priority, and throttle delivery with a shared rate limiter.
//
// Status mutation goes through UpdateStatus, which enforces the lifecycle:
// pending tasks start running, running tasks complete or fail, and any
// non-terminal task may be cancelled. Terminal statuses never change, and an
// illegal transition leaves the stored task untouched.
//
// Pop removes and returns the next pending task without executing it. It is
// the inspection and manual-drive path; normal delivery happens inside the
// backend's consumer loop once Start is called with an Executor wired in.
package queue
