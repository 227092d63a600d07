// Copyright (c) Knowflow Authors.
// Licensed under the MIT License.

/*
Package config defines the knowflow engine configuration tree and its
loader.

Configuration is resolved in three layers: compiled defaults, an optional
YAML file, then environment variables (KNOWFLOW_* by default, nested keys
joined with underscores). Every component receives its settings through an
explicit config struct passed to its constructor; there is no package-level
mutable state.
*/
package config
