package connector

import (
	"fmt"
	"time"
)

// UnreachableError is surfaced exactly once when a venue's reconnect budget
// is exhausted. The supervising component decides whether to escalate.
type UnreachableError struct {
	Venue    string
	Attempts int
	Window   time.Duration
}

func (e *UnreachableError) Error() string {
	if e.Window > 0 {
		return fmt.Sprintf("venue %s unreachable: %d reconnect attempts within %s", e.Venue, e.Attempts, e.Window)
	}
	return fmt.Sprintf("venue %s unreachable after %d reconnect attempts", e.Venue, e.Attempts)
}
