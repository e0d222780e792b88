// Package points implements the authoritative in-memory points ledger: one
// non-negative balance per username, seeded from the persistence store at startup.
// Every mutation is queued fire-and-forget to the store; in-memory state is
// authoritative and persistence is best-effort.
//
// Ledger is not safe for concurrent use on its own; the owning hub serializes all
// reads and mutations. The persist queue is the only concurrent edge and carries
// value copies.
package points

import (
	"context"
	"log/slog"

	"github.com/bananirou/streambet/backend/telemetry"
)

// Persister accepts single-row best-effort writes of a user's balance.
type Persister interface {
	UpsertPoints(ctx context.Context, username string, points int64) error
}

type update struct {
	username string
	points   int64
}

// Ledger maps usernames to point balances.
type Ledger struct {
	balances map[string]int64
	updates  chan update
}

// NewLedger returns an empty ledger with a bounded persist queue.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[string]int64),
		updates:  make(chan update, 256),
	}
}

// Seed loads initial balances, typically from db.LoadAllPoints at startup.
// Seeded values are not re-queued for persistence.
func (l *Ledger) Seed(balances map[string]int64) {
	for username, points := range balances {
		l.balances[username] = points
	}
}

// Get returns username's balance, zero if the user has never been seen.
func (l *Ledger) Get(username string) int64 {
	return l.balances[username]
}

// Adjust applies delta to username's balance and returns the new balance. The ledger
// performs no clamping: callers validate sufficiency before negative deltas.
func (l *Ledger) Adjust(username string, delta int64) int64 {
	balance := l.balances[username] + delta
	l.balances[username] = balance
	l.enqueue(username, balance)
	return balance
}

// Set overwrites username's balance. Administrative absolute write.
func (l *Ledger) Set(username string, balance int64) {
	l.balances[username] = balance
	l.enqueue(username, balance)
}

// Size returns the number of known usernames.
func (l *Ledger) Size() int { return len(l.balances) }

// Snapshot returns a copy of all balances, suitable for handing to SaveAll outside
// the hub lock.
func (l *Ledger) Snapshot() map[string]int64 {
	cp := make(map[string]int64, len(l.balances))
	for username, points := range l.balances {
		cp[username] = points
	}
	return cp
}

// enqueue hands the new balance to the persist worker without ever blocking the
// event path. A full queue drops the update; the periodic snapshot repairs the gap.
func (l *Ledger) enqueue(username string, points int64) {
	select {
	case l.updates <- update{username: username, points: points}:
	default:
		telemetry.Inc(telemetry.PersistQueueDrops)
	}
}

// StartPersister drains the update queue into p until ctx is cancelled. Failures are
// logged and counted, never surfaced: the next write or snapshot retries the row.
func (l *Ledger) StartPersister(ctx context.Context, p Persister) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-l.updates:
				if err := p.UpsertPoints(ctx, u.username, u.points); err != nil {
					telemetry.Inc(telemetry.PersistErrors)
					slog.Error("failed to persist points", slog.String("username", u.username), slog.Any("err", err))
				}
			}
		}
	}()
}
