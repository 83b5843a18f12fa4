package scheduler

import "fmt"

// PartialError reports a pass that kept going past failed rows. The rows
// stay in the table and are revisited on the next tick, so callers log the
// counts instead of retrying the pass as a unit.
type PartialError struct {
	Table   string
	Total   int
	Handled int
	Failed  int
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("sweep of %q partial failure: %d advanced, %d failed (total: %d)",
		e.Table, e.Handled, e.Failed, e.Total)
}
