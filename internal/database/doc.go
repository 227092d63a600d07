// Copyright (c) Knowflow Authors.
// Licensed under the MIT License.

// Package database opens GORM connections for the configured driver and
// manages the connection pool: limits, health checks, pool metrics and
// transaction helpers with transient-failure retry.
package database
