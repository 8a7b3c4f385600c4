package gate

import "sync"

type effectKey struct {
	smallScreen bool
	reportID    string
}

// EffectGuard runs the fetch effect only when its (viewport, reportID)
// dependencies change, and never twice for the same pair.
type EffectGuard struct {
	mu    sync.Mutex
	ran   bool
	last  effectKey
	fired map[effectKey]struct{}
}

// Changed records the pair and reports whether it differs from the last
// one seen. The first call always reports true.
func (g *EffectGuard) Changed(smallScreen bool, reportID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := effectKey{smallScreen: smallScreen, reportID: reportID}
	if g.ran && g.last == key {
		return false
	}
	g.ran = true
	g.last = key
	return true
}

// MarkFired claims the fetch for the pair. It returns false if a fetch was
// already issued for it.
func (g *EffectGuard) MarkFired(smallScreen bool, reportID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fired == nil {
		g.fired = map[effectKey]struct{}{}
	}
	key := effectKey{smallScreen: smallScreen, reportID: reportID}
	if _, ok := g.fired[key]; ok {
		return false
	}
	g.fired[key] = struct{}{}
	return true
}
