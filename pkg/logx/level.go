package logx

import (
	"strings"

	"github.com/rs/zerolog"
)

// parseLevel accepts zerolog level names plus "warning". Empty or unknown
// input gives def.
func parseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return def
	case "warning":
		return zerolog.WarnLevel
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return def
	}
	return lvl
}
