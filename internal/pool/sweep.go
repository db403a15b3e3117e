package pool

import "time"

// Sweep implements design §4.4's periodic cleanup: drop reusable
// connections idle beyond IdleTimeout. Waiters are not examined here;
// each waiter fails on its own WaitTimeout timer inside Acquire. Intended
// to run on a ticker at CleanupInterval.
func (p *Pool) Sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, ll := range p.reuse {
		for el := ll.Back(); el != nil; {
			prev := el.Prev()
			connID := el.Value.(string)
			e, ok := p.conns[connID]
			if !ok || e.active || now.Sub(e.lastUsed) < p.cfg.IdleTimeout {
				el = prev
				continue
			}
			ll.Remove(el)
			delete(p.reuseIdx, connID)
			p.removeLocked(connID)
			el = prev
		}
		if ll.Len() == 0 {
			delete(p.reuse, key)
		}
	}
}
