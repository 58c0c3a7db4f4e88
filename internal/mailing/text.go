package mailing

import (
	"fmt"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/storage"
)

const (
	textWelcome       = "Welcome! You have been registered."
	textPrompt        = "Send the message to broadcast:"
	textAlreadyActive = "A broadcast is already running. Use /cancel to stop it."
	textSetupCanceled = "Broadcast canceled before it started."
	textCanceling     = "Canceling the broadcast..."
	textNothing       = "Nothing to cancel."
)

func progressText(p broadcast.Progress) string {
	if p.Current == 0 {
		return fmt.Sprintf("⏳ Broadcast started (0/%d)", p.Total)
	}
	return fmt.Sprintf("⏳ Broadcast: %d/%d sent\n✅ Success: %d\n❌ Errors: %d",
		p.Current, p.Total, p.Success, p.Errors)
}

func finalText(s broadcast.Summary) string {
	head := "✅ Broadcast complete!"
	if s.Canceled {
		head = fmt.Sprintf("⛔ Broadcast canceled at %d/%d", s.Processed, s.Total)
	}
	return fmt.Sprintf("%s\n• Total: %d\n• Success: %d\n• Errors: %d\n• Took: %s",
		head, s.Total, s.Success, s.Errors, s.Duration.Round(time.Second))
}

func statsText(c storage.Counts) string {
	return fmt.Sprintf("📊 Stats:\n• Total users: %d\n• Active: %d", c.Total, c.Active)
}

func echoText(text string) string {
	return "📨 You wrote: " + text
}

func failedText(err error) string {
	return "❌ Broadcast failed: " + err.Error()
}
