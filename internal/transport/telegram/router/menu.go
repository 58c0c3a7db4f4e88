package router

import (
	"context"
	"strings"
	"unicode"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// sanitizeTelegramCommand converts a name into a Telegram bot command
// ([a-z0-9_]{1,32}, starting with a letter). It returns "" if nothing usable remains.
func sanitizeTelegramCommand(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	under := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			under = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !under {
				b.WriteByte('_')
				under = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// MenuCommands builds the Telegram command menu. Admin-only commands are marked.
func (r *Router) MenuCommands() []kit.BotCommand {
	seen := map[string]bool{}
	var out []kit.BotCommand
	for _, c := range r.Commands() {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		if c.Access == AccessAdmin {
			desc = "🔒 " + desc
		}
		out = append(out, kit.BotCommand{Command: name, Description: desc})
		if len(out) >= 100 {
			break
		}
	}
	return out
}

// PublishMenu pushes the command menu when the sender supports it.
func (r *Router) PublishMenu(ctx context.Context) {
	up, ok := r.sender.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	if err := up.UpdateMenuCommands(ctx, r.MenuCommands()); err != nil {
		r.log.Warn("menu update failed", logx.Err(err))
	}
}
