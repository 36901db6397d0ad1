package queue

// lanes holds the three priority FIFOs. Not safe for concurrent use on its
// own; callers must hold Manager's single logical lock.
type lanes struct {
	interactive []*job
	retry       []*job
	batch       []*job
}

func (l *lanes) push(p Priority, j *job) {
	switch p {
	case PriorityInteractive:
		l.interactive = append(l.interactive, j)
	case PriorityRetry:
		l.retry = append(l.retry, j)
	default:
		l.batch = append(l.batch, j)
	}
}

// popNext returns the next job to dispatch, honoring strict
// interactive > retry > batch precedence, or nil if every lane is empty.
func (l *lanes) popNext() *job {
	if len(l.interactive) > 0 {
		j := l.interactive[0]
		l.interactive = l.interactive[1:]
		return j
	}
	if len(l.retry) > 0 {
		j := l.retry[0]
		l.retry = l.retry[1:]
		return j
	}
	if len(l.batch) > 0 {
		j := l.batch[0]
		l.batch = l.batch[1:]
		return j
	}
	return nil
}

// remove deletes j from whichever lane holds it, if any. Used by cancel on
// queued/retrying jobs.
func (l *lanes) remove(j *job) bool {
	if idx := indexOf(l.interactive, j); idx >= 0 {
		l.interactive = append(l.interactive[:idx], l.interactive[idx+1:]...)
		return true
	}
	if idx := indexOf(l.retry, j); idx >= 0 {
		l.retry = append(l.retry[:idx], l.retry[idx+1:]...)
		return true
	}
	if idx := indexOf(l.batch, j); idx >= 0 {
		l.batch = append(l.batch[:idx], l.batch[idx+1:]...)
		return true
	}
	return false
}

func indexOf(s []*job, j *job) int {
	for i, v := range s {
		if v == j {
			return i
		}
	}
	return -1
}

func (l *lanes) depth() (total, interactive, retry, batch int) {
	interactive = len(l.interactive)
	retry = len(l.retry)
	batch = len(l.batch)
	total = interactive + retry + batch
	return
}
