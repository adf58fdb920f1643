package util

import "fmt"

const (
	MinPort = 0
	MaxPort = 65535
)

// ValidatePort checks that port is within 0-65535. Zero means "not set"; the
// port column is informational only.
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("port %d out of range (must be %d-%d)", port, MinPort, MaxPort)
	}
	return nil
}
