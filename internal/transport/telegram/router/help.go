package router

import (
	"html"
	"strings"
)

// helpText renders the command list in HTML parse mode. Admin commands are
// listed only for the administrator.
func (r *Router) helpText(admin bool) string {
	var b strings.Builder
	b.WriteString("📚 <b>Commands</b>\n")
	for _, c := range r.Commands() {
		if c.Access == AccessAdmin && !admin {
			continue
		}
		b.WriteString("\n/")
		b.WriteString(html.EscapeString(c.Name))
		if d := strings.TrimSpace(c.Description); d != "" {
			b.WriteString(" - ")
			b.WriteString(html.EscapeString(d))
		}
		if c.Access == AccessAdmin {
			b.WriteString(" 🔒")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			b.WriteString("\n  <code>")
			b.WriteString(html.EscapeString(u))
			b.WriteString("</code>")
		}
	}
	return b.String()
}
