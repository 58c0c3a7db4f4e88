// Package mailing is the chat surface of the bot: subscriber registration,
// the administrator's stats and broadcast commands, and the glue that turns
// an administrator message into a broadcast run with a live status message.
package mailing
