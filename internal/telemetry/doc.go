// Copyright (c) Knowflow Authors.
// Licensed under the MIT License.

// Package telemetry wraps OpenTelemetry SDK initialization, providing
// centralized TracerProvider and MeterProvider setup for the engine.
// When telemetry is disabled the globals stay noop and no external
// connection is made.
package telemetry
