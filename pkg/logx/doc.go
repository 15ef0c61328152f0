// Package logx is ddlbot's structured logging layer over zerolog.
//
// Components take a Logger value and derive their own with
// log.With(logx.String("comp", "...")). Outputs (console, JSON file,
// Telegram chat) live in a Service and can be swapped with Apply while the
// process runs; Loggers derived from the Service follow the swap.
package logx
