// Package logx wraps zerolog for guildbot.
//
// Console output stays human readable with a short caller, the log file gets
// JSON lines, and an optional chat sink mirrors warnings at a bounded rate.
// Service.Apply rewires all of it at runtime.
package logx
