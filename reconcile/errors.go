package reconcile

import "fmt"

// IntegrityError reports a divergence between local bookkeeping and the
// venue's authoritative state that survived reconciliation. It indicates a
// protocol bug, not a network blip, and is distinguishable from transient
// errors by type.
type IntegrityError struct {
	Venue    string
	Resource string
	Key      string
	Local    float64
	Remote   float64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: %s mirror diverged for %q: local %.8f vs venue %.8f", e.Venue, e.Resource, e.Key, e.Local, e.Remote)
}
