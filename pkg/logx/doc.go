// Package logx is castbot's structured logging on top of zerolog.
//
// A Service owns the outputs: a readable console writer with a short
// caller, an optional JSON file, and an optional Telegram sink that forwards
// warnings to the operator chat under a rate limit. Apply swaps them while
// the bot runs. Components log through Logger values derived with With.
package logx
