// Package logx is retryq's logging layer over zerolog.
//
// A Service owns the sinks (console text, JSON file) and can swap them on a
// config reload; every Logger derived from it follows the swap. Each line
// carries a short file:line caller. The zero Logger is a valid no-op.
package logx
