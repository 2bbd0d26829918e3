package relay

import (
	"strings"
	"unicode/utf8"
)

const maxSenderLen = 32

// FormatForRadio formats a chat message for the mesh as "<prefix><sender>: <text>".
func FormatForRadio(prefix, senderName, text string) string {
	var sb strings.Builder

	if prefix != "" {
		sb.WriteString(prefix)
	}

	if senderName != "" {
		sb.WriteString(senderName)
		sb.WriteString(": ")
	}

	sb.WriteString(text)
	return sb.String()
}

// ParseSender attempts to extract a sender name from "Name: message" text.
// Returns the sender name, remaining message, and whether parsing succeeded.
func ParseSender(message string) (sender, remaining string, found bool) {
	idx := strings.Index(message, ": ")
	if idx == -1 {
		return "", message, false
	}

	potentialSender := message[:idx]
	if len(potentialSender) < 1 || len(potentialSender) > maxSenderLen {
		return "", message, false
	}

	// no newlines or other control characters
	for _, r := range potentialSender {
		if r < 32 || r == 127 {
			return "", message, false
		}
	}

	return potentialSender, message[idx+2:], true
}

// HasRelayPrefix checks if a message starts with any of the given prefixes.
// Empty prefixes never match.
func HasRelayPrefix(message string, prefixes ...string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(message, p) {
			return true
		}
	}
	return false
}

// TruncateMessage truncates a message to fit within maxLen bytes without
// splitting a UTF-8 sequence. Tries to break at word boundaries if possible.
func TruncateMessage(message string, maxLen int) string {
	if maxLen <= 0 || len(message) <= maxLen {
		return message
	}

	cut := maxLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	truncated := message[:cut]

	lastSpace := strings.LastIndex(truncated, " ")
	if lastSpace > maxLen/2 {
		return truncated[:lastSpace]
	}

	return truncated
}
