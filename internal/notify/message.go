package notify

import (
	"fmt"
	"unicode/utf8"
)

// maxMessageRunes keeps messages under Telegram's 4096 character limit.
const maxMessageRunes = 3500

// StatusMessage formats a job status update.
func StatusMessage(status, message, jobID string) string {
	emoji := "🤖"
	switch status {
	case "completed":
		emoji = "✅"
	case "failed":
		emoji = "❌"
	}
	if status == "" {
		status = "Update"
	}
	if jobID == "" {
		jobID = "unknown"
	}
	return fmt.Sprintf("%s *Job %s*\n\n%s\n\nJob ID: `%s`", emoji, status, clip(message, maxMessageRunes), jobID)
}

// SubmittedMessage announces a new job to the owner.
func SubmittedMessage(jobType, prompt, jobID string) string {
	return fmt.Sprintf("🤖 *New Job Submitted*\n\nType: %s\nPrompt: %s\n\nJob ID: `%s`", jobType, clip(prompt, 100), jobID)
}

// QueuedMessage acknowledges a chat message turned into a job.
func QueuedMessage(text, jobID string) string {
	return fmt.Sprintf("🤖 *Job Queued*\n\nProcessing: %q\n\nJob ID: `%s`", clip(text, 50), jobID)
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
