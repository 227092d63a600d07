// Copyright (c) Knowflow Authors.
// Licensed under the MIT License.

/*
Package migration manages versioned schema migrations for the task
archive, result and artifact tables, built on golang-migrate with one
embedded SQL set per supported dialect.

# Overview

Migration files live under migrations/{postgres,mysql,sqlite} and are
embedded into the binary, so the migrate subcommand needs no files on
disk. SQLite runs through the pure-Go driver and therefore works
without cgo, which the tests rely on.

# Core types

  - Migrator: the operation set, Up through Force, plus Version,
    Status and Info inspection.
  - DefaultMigrator: golang-migrate backed implementation.
  - CLI: terminal-facing wrapper used by the migrate subcommand.

Factory helpers build migrators from the application config or from an
explicit URL: NewMigratorFromConfig, NewMigratorFromDatabaseConfig and
NewMigratorFromURL.
*/
package migration
