package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vitwit/x402-agent/types"
)

// Retention windows for the append-then-prune stores.
const (
	LedgerRetention     = 7 * 24 * time.Hour
	RequestLogRetention = time.Hour
)

// LedgerStore holds completed transactions for budget accounting.
// Append is idempotent per transaction ID.
type LedgerStore interface {
	Append(ctx context.Context, tx types.Transaction) error
	// Since returns transactions settled at or after t, oldest first.
	Since(ctx context.Context, t time.Time) ([]types.Transaction, error)
	// Prune drops transactions settled before t.
	Prune(ctx context.Context, before time.Time) error
}

// RequestLog holds request timestamps per endpoint for rate limiting.
type RequestLog interface {
	Record(ctx context.Context, endpoint string, at time.Time) error
	// Count returns how many requests to endpoint were recorded at or after since.
	Count(ctx context.Context, endpoint string, since time.Time) (int, error)
	Prune(ctx context.Context, before time.Time) error
}

// MemoryLedger is the in-process LedgerStore.
type MemoryLedger struct {
	mu  sync.Mutex
	txs []types.Transaction
	ids map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{ids: make(map[string]struct{})}
}

func (l *MemoryLedger) Append(_ context.Context, tx types.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.ids[tx.ID]; seen {
		return nil
	}
	l.ids[tx.ID] = struct{}{}

	// keep settle order even if callers append out of order
	i := sort.Search(len(l.txs), func(i int) bool { return l.txs[i].SettledAt.After(tx.SettledAt) })
	l.txs = append(l.txs, types.Transaction{})
	copy(l.txs[i+1:], l.txs[i:])
	l.txs[i] = tx
	return nil
}

func (l *MemoryLedger) Since(_ context.Context, t time.Time) ([]types.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := sort.Search(len(l.txs), func(i int) bool { return !l.txs[i].SettledAt.Before(t) })
	out := make([]types.Transaction, len(l.txs)-i)
	copy(out, l.txs[i:])
	return out, nil
}

func (l *MemoryLedger) Prune(_ context.Context, before time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := sort.Search(len(l.txs), func(i int) bool { return !l.txs[i].SettledAt.Before(before) })
	for _, tx := range l.txs[:i] {
		delete(l.ids, tx.ID)
	}
	l.txs = append([]types.Transaction(nil), l.txs[i:]...)
	return nil
}

// MemoryRequestLog is the in-process RequestLog.
type MemoryRequestLog struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewMemoryRequestLog() *MemoryRequestLog {
	return &MemoryRequestLog{windows: make(map[string][]time.Time)}
}

func (r *MemoryRequestLog) Record(_ context.Context, endpoint string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.windows[endpoint]
	i := sort.Search(len(w), func(i int) bool { return w[i].After(at) })
	w = append(w, time.Time{})
	copy(w[i+1:], w[i:])
	w[i] = at
	r.windows[endpoint] = w
	return nil
}

func (r *MemoryRequestLog) Count(_ context.Context, endpoint string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.windows[endpoint]
	i := sort.Search(len(w), func(i int) bool { return !w[i].Before(since) })
	return len(w) - i, nil
}

func (r *MemoryRequestLog) Prune(_ context.Context, before time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for endpoint, w := range r.windows {
		i := sort.Search(len(w), func(i int) bool { return !w[i].Before(before) })
		if i == len(w) {
			delete(r.windows, endpoint)
			continue
		}
		r.windows[endpoint] = append([]time.Time(nil), w[i:]...)
	}
	return nil
}
