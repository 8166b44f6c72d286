// Package validation runs one or more validators against a message and turns
// their failures into a single problem-details payload.
//
// With more than one validator the execution policy decides how they run.
// Concurrent, the default, starts every validator at once and gathers failures
// in completion order. Sequential awaits each validator before starting the
// next one, so failures stay grouped per validator in registration order.
// Neither policy stops early: every validator runs and every failure is
// reported.
package validation
