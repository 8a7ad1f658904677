// Package pipeline provides the execution engine for a single deployment run.
//
// A Pipeline is an ordered list of Stages sharing one Context. Stages execute
// strictly in declaration order; each stage may retry its action under a
// bounded RetryPolicy and may declare a compensating action. When a stage
// exhausts its retry budget the pipeline stops, compensates the stages that
// already succeeded in reverse completion order, and reports the original
// error together with any rollback errors and advisories.
//
// Stage actions must be idempotent: the retry wrapper gives at-least-once
// execution semantics within a single logical stage run.
package pipeline
