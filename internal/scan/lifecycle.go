package scan

// allowedTransitions is the validated scan state machine. Terminal states may
// only move back to running through the retry path.
var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusPartial, StatusFailed},
	StatusCompleted: {StatusRunning},
	StatusPartial:   {StatusRunning},
	StatusFailed:    {StatusRunning},
}

// CanTransition reports whether from -> to is a legal scan transition.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalStatus derives the scan's terminal status from its service rows.
// The finalizer always recomputes from the rows rather than trusting any
// in-process memory of what happened.
func TerminalStatus(services []*ServiceExecution) Status {
	var succeeded, failed int
	for _, svc := range services {
		switch svc.Status {
		case ServiceSuccess:
			succeeded++
		case ServiceFailed:
			failed++
		}
	}
	switch {
	case succeeded > 0 && failed == 0 && succeeded == len(services):
		return StatusCompleted
	case succeeded > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

// Progress is the derived, non-persisted completion projection.
type Progress struct {
	CompletedServices int `json:"completedServices"`
	TotalServices     int `json:"totalServices"`
	Percentage        int `json:"percentage"`
}

// ComputeProgress counts settled services. Pending and running rows never
// count toward progress.
func ComputeProgress(services []*ServiceExecution) Progress {
	p := Progress{TotalServices: len(services)}
	for _, svc := range services {
		if svc.Status.Completed() {
			p.CompletedServices++
		}
	}
	if p.TotalServices > 0 {
		p.Percentage = 100 * p.CompletedServices / p.TotalServices
	}
	if p.Percentage > 100 {
		p.Percentage = 100
	}
	return p
}
