package auth

import (
	"sync"
	"time"
)

// loginThrottle は接続元ごとのログイン失敗を直近 window の範囲で数えます。
// limit 回に達するとロックし、ロック中は失敗履歴を持ちません。
type loginThrottle struct {
	mu      sync.Mutex
	window  time.Duration
	lockFor time.Duration
	limit   int
	peers   map[string]*peerFailures
}

type peerFailures struct {
	at          []time.Time
	lockedUntil time.Time
}

func newLoginThrottle(window, lockFor time.Duration, limit int) *loginThrottle {
	return &loginThrottle{
		window:  window,
		lockFor: lockFor,
		limit:   limit,
		peers:   make(map[string]*peerFailures),
	}
}

// retryAfter はロック中なら解除までの残り時間、それ以外は 0 を返します。
func (t *loginThrottle) retryAfter(peer string, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[peer]
	if !ok || !now.Before(p.lockedUntil) {
		return 0
	}
	return p.lockedUntil.Sub(now)
}

// fail は失敗を記録し、ロックまでの残り回数と、今回ロックしたかを返します。
func (t *loginThrottle) fail(peer string, now time.Time) (remaining int, locked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evict(now)

	p, ok := t.peers[peer]
	if !ok {
		p = &peerFailures{}
		t.peers[peer] = p
	}
	cutoff := now.Add(-t.window)
	kept := p.at[:0]
	for _, at := range p.at {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	p.at = append(kept, now)

	if len(p.at) >= t.limit {
		p.at = nil
		p.lockedUntil = now.Add(t.lockFor)
		return 0, true
	}
	return t.limit - len(p.at), false
}

// reset はログイン成功時に履歴を消します。
func (t *loginThrottle) reset(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peer)
}

// evict はロックが明けて window 内の失敗も残っていない接続元を捨てます。
func (t *loginThrottle) evict(now time.Time) {
	cutoff := now.Add(-t.window)
	for peer, p := range t.peers {
		if now.Before(p.lockedUntil) {
			continue
		}
		if n := len(p.at); n == 0 || !p.at[n-1].After(cutoff) {
			delete(t.peers, peer)
		}
	}
}
