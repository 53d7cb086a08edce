package scheduler

import "context"

// ExportedSweep exposes the private sweep method for external tests.
func (s *Scheduler) ExportedSweep(ctx context.Context) (int, error) {
	return s.sweep(ctx)
}
