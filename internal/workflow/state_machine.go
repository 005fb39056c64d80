package workflow

// Terminal reports whether a task in this status will never change again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the task state machine.
//
// Running -> Skipped only happens when a workflow is cancelled while the agent
// call is outstanding; the late result is then discarded.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskPending:
		return to == TaskReady || to == TaskSkipped
	case TaskReady:
		return to == TaskRunning || to == TaskSkipped
	case TaskRunning:
		return to == TaskSucceeded || to == TaskFailed || to == TaskSkipped
	default:
		return false
	}
}

// DeriveStatus computes the workflow status from its task statuses. It never
// depends on the order in which tasks reached their current status.
func DeriveStatus(started bool, statuses []TaskStatus) Status {
	if !started {
		return StatusCreated
	}

	var succeeded int
	for _, s := range statuses {
		if !s.Terminal() {
			return StatusRunning
		}
		if s == TaskSucceeded {
			succeeded++
		}
	}

	switch {
	case succeeded == len(statuses):
		return StatusCompleted
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartiallyFailed
	}
}

// Recompute refreshes wf.Status from its tasks.
func (wf *Workflow) Recompute() Status {
	statuses := make([]TaskStatus, 0, len(wf.Tasks))
	for _, t := range wf.Tasks {
		statuses = append(statuses, t.Status)
	}
	wf.Status = DeriveStatus(wf.Started, statuses)
	return wf.Status
}
