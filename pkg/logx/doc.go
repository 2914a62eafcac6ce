// Package logx provides structured logging for deliverywatch.
//
// It wraps zerolog behind a small Logger value that is cheap to copy,
// safe at its zero value, and stays "live" across runtime config changes
// when created from a Service.
package logx
