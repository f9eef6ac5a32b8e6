package worker

import (
	"time"

	"github.com/omnipkg/omnipkgd/pkg/types"
)

// reapLoop evicts workers idle past cfg.IdleTimeout. A zero
// IdleTimeout disables reaping entirely.
func (sup *Supervisor) reapLoop() {
	defer sup.wg.Done()

	if sup.cfg.IdleTimeout <= 0 {
		<-sup.stopCh
		return
	}

	interval := sup.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sup.reapIdle()
		case <-sup.stopCh:
			return
		}
	}
}

func (sup *Supervisor) reapIdle() {
	cutoff := time.Now().Add(-sup.cfg.IdleTimeout)

	sup.mu.Lock()
	var stale []Worker
	for _, w := range sup.workers {
		if w.State() == types.WorkerBusy {
			continue
		}
		if w.LastUsed().Before(cutoff) {
			stale = append(stale, w)
		}
	}
	sup.mu.Unlock()

	for _, w := range stale {
		sup.evict(w.Spec(), "idle")
	}
}
