// Copyright (c) Knowflow Authors.
// Licensed under the MIT License.

/*
Package types provides the shared type definitions for the knowflow engine.

types is the lowest-level package with no internal dependencies. It defines
the contracts shared by the queue, registry, orchestrator, coordinator and
pipeline packages so that none of them need to import each other:

  - Task / TaskResult / TaskStatus / TaskPriority — the unit of work and
    its lifecycle. Status transitions are restricted to
    PENDING→RUNNING→{COMPLETED,FAILED} plus non-terminal→CANCELLED;
    terminal states are final.
  - Agent / AgentConfig / AgentRegistration / AgentStatus — the contract
    every worker implements and the registry's view of a live worker.
  - ProcessedData / ProcessingMetadata / DataType / ProcessingStage — the
    payload flowing through pipeline nodes.
  - ProcessingNode / PipelineConfig / PipelineState / CacheConfig — the
    pipeline wiring and per-run state.
  - Error / ErrorCode — structured errors with retryability markers.
*/
package types
