// Copyright (c) Knowflow Authors.
// Licensed under the MIT License.

// Package store persists task outcomes in a relational database.
//
// # Overview
//
// Store implements the orchestrator's ResultSink and its TaskArchiver
// upgrade over GORM. A wired store receives three kinds of writes: the
// payload of every completed task, a reference row for every artifact a
// task delivers, and the final form of every task that settles in a
// terminal status. Successful payloads arrive through the sink handoff;
// failed and cancelled outcomes keep their error in the archive so the
// audit trail stays complete.
//
// The schema is shared with the versioned migrations under
// internal/migration. Embedded deployments and tests can call Migrate to
// let GORM create the tables instead.
package store
