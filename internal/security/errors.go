package security

import (
	"os"
	"strings"
)

// RedactMessage shortens the home directory to ~ in user-visible text so
// screenshots of the dashboard do not leak usernames.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" && home != "/" {
		return strings.ReplaceAll(msg, home, "~")
	}
	return msg
}
