// Copyright (c) Knowflow Authors.
// Licensed under the MIT License.

/*
Package main is the knowflow server entry point.

# Overview

cmd/knowflow runs the processing engine as a long-lived service and
carries the operational subcommands around it: database migrations,
version reporting and a liveness probe. Configuration loads from
defaults, an optional YAML file and KNOWFLOW_* environment variables.

# Subcommands

  - serve    — assemble the engine from config and run until signalled
  - migrate  — versioned schema migrations (up, down, status, goto, ...)
  - version  — print the build's version, time and commit
  - health   — probe a running server's /healthz endpoint

serve exposes /metrics (Prometheus), /healthz and /readyz on the
configured metrics port and shuts down gracefully on SIGINT/SIGTERM.
Version, BuildTime and GitCommit are injected through ldflags.
*/
package main
