package worker

import "sync"

// progress keeps reported percentages within 0..100 and drops values that
// would move an attempt's progress backwards.
type progress struct {
	mu    sync.Mutex
	last  int
	write func(pct int)
}

func newProgress(write func(pct int)) *progress {
	return &progress{write: write}
}

func (p *progress) report(pct int) {
	pct = max(0, min(pct, 100))

	p.mu.Lock()
	defer p.mu.Unlock()
	if pct <= p.last {
		return
	}
	p.last = pct
	p.write(pct)
}
