// Copyright (c) Knowflow Authors.
// Licensed under the MIT License.

// Package monitoring evaluates alert rules against observed metric
// samples.
//
// # Overview
//
// Rules form a closed comparison grammar: a metric name, one of six
// operators (gt, ge, lt, le, eq, ne) and a threshold. There is no
// expression language; anything beyond a single comparison is rejected
// when the rules are parsed from configuration.
//
// The engine is sample driven. Each Observe call runs every rule watching
// that metric; a matching rule fires an Alert to the registered handlers
// unless the rule is still inside its cooldown window. Handler panics are
// contained and logged so one misbehaving sink cannot stop alert
// delivery.
package monitoring
