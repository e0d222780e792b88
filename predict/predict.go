// Package predict implements the single shared prediction: a host-declared question
// with two or more options that viewers wager points on. The machine enforces the
// wager invariants (one option per user, sufficient balance, open wagering window)
// and computes pro-rata payouts when an admin declares the winning option.
//
// Machine is not safe for concurrent use; the owning hub serializes all access.
package predict

import (
	"time"
)

// Status is the lifecycle state of the prediction.
type Status string

const (
	// StatusNone means no prediction is active (initial, or after a delete).
	StatusNone Status = "NONE"
	// StatusOngoing means the prediction accepts wagers until its deadline.
	StatusOngoing Status = "ONGOING"
	// StatusFinished is terminal: a winner has been declared and payouts applied.
	StatusFinished Status = "FINISHED"
)

// Ledger is the minimal points interface the machine mutates. Balances are
// pre-validated here, so Adjust is never asked to take a balance negative.
type Ledger interface {
	Get(username string) int64
	Adjust(username string, delta int64) int64
}

// Payout records one winner's credit after a winner declaration.
type Payout struct {
	Username string
	Credited int64
	Balance  int64
}

// Snapshot is the wire-shaped view of the prediction. Wager pools are plain
// username→amount maps, one per option, in option order.
type Snapshot struct {
	Title       string             `json:"title"`
	Options     []string           `json:"options"`
	Status      Status             `json:"status"`
	StartTime   int64              `json:"start_time"`
	Points      []map[string]int64 `json:"points"`
	WinnerIndex *int               `json:"winner_index,omitempty"`
}

// Machine owns the singleton prediction. A new machine starts with no prediction;
// Create replaces whatever is active wholesale.
type Machine struct {
	now func() time.Time

	title       string
	options     []string
	status      Status
	deadline    time.Time
	pools       []map[string]int64
	winnerIndex int
}

// NewMachine returns an idle machine using the real clock.
func NewMachine() *Machine {
	return &Machine{now: time.Now, status: StatusNone, winnerIndex: -1}
}

// SetClock overrides the machine's time source. Test hook.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// Status returns the current lifecycle state.
func (m *Machine) Status() Status { return m.status }

// Deadline returns the wagering deadline of the current prediction.
func (m *Machine) Deadline() time.Time { return m.deadline }

// Create unconditionally replaces any existing prediction with a fresh ongoing one.
// Escrowed wagers on a replaced prediction are forfeit, not refunded. duration must be
// positive; options must hold at least two entries and is copied, never aliased.
func (m *Machine) Create(title string, options []string, duration time.Duration) error {
	if len(options) < 2 {
		return Errorf(KindValidation, "prediction needs at least two options")
	}
	for _, o := range options {
		if o == "" {
			return Errorf(KindValidation, "prediction options must not be empty")
		}
	}
	if duration <= 0 {
		return Errorf(KindValidation, "prediction duration must be positive")
	}

	m.title = title
	m.options = append([]string(nil), options...)
	m.status = StatusOngoing
	m.deadline = m.now().Add(duration)
	m.pools = make([]map[string]int64, len(options))
	for i := range m.pools {
		m.pools[i] = make(map[string]int64)
	}
	m.winnerIndex = -1
	return nil
}

// Delete forces the prediction back to NONE. Pools are left untouched so the final
// snapshot still shows them; they become unreachable once Create replaces the round.
func (m *Machine) Delete() {
	m.status = StatusNone
}

// PlaceWager escrows amount from username's balance into the pool for option.
// All checks happen before any mutation, so a failed wager leaves both the ledger
// and the pools untouched. A user may top up an existing wager on the same option,
// but never hold wagers on two options of the same prediction.
func (m *Machine) PlaceWager(username string, option int, amount int64, ledger Ledger) error {
	if m.status != StatusOngoing {
		return Errorf(KindValidation, "no prediction is open for wagers")
	}
	if !m.now().Before(m.deadline) {
		return Errorf(KindValidation, "wagering deadline has passed")
	}
	if amount <= 0 {
		return Errorf(KindValidation, "wager amount must be a positive number of points")
	}
	if option < 0 || option >= len(m.options) {
		return Errorf(KindNotFound, "unknown option index %d", option)
	}
	for i, pool := range m.pools {
		if i == option {
			continue
		}
		if _, ok := pool[username]; ok {
			return Errorf(KindValidation, "already wagered on option %q", m.options[i])
		}
	}
	if balance := ledger.Get(username); amount > balance {
		return Errorf(KindValidation, "wager of %d exceeds balance of %d", amount, balance)
	}

	ledger.Adjust(username, -amount)
	m.pools[option][username] += amount
	return nil
}

// DeclareWinner finishes the prediction and credits each winner with
// ceil(staked × total/winningPool). Rounding is per winner, so the sum of credits
// can exceed the nominal pool. Losing stakes fund the payout and are not refunded.
// The deadline must have passed: declaring a winner while wagering is still open is
// rejected.
func (m *Machine) DeclareWinner(option int, ledger Ledger) ([]Payout, error) {
	if m.status != StatusOngoing {
		return nil, Errorf(KindValidation, "no prediction is awaiting a winner")
	}
	if m.now().Before(m.deadline) {
		return nil, Errorf(KindValidation, "wagering is still open")
	}
	if option < 0 || option >= len(m.options) {
		return nil, Errorf(KindNotFound, "unknown option index %d", option)
	}

	m.status = StatusFinished
	m.winnerIndex = option

	var total, winning int64
	for _, pool := range m.pools {
		for _, staked := range pool {
			total += staked
		}
	}
	for _, staked := range m.pools[option] {
		winning += staked
	}
	if winning == 0 {
		// Empty winning pool: nothing to credit, but avoid dividing by zero below.
		winning = 1
	}

	payouts := make([]Payout, 0, len(m.pools[option]))
	for username, staked := range m.pools[option] {
		// ceil(staked * total / winning) in integer arithmetic
		credit := (staked*total + winning - 1) / winning
		balance := ledger.Adjust(username, credit)
		payouts = append(payouts, Payout{Username: username, Credited: credit, Balance: balance})
	}
	return payouts, nil
}

// Snapshot returns a copy of the prediction shaped for the wire. StartTime is the
// wagering deadline in Unix milliseconds.
func (m *Machine) Snapshot() Snapshot {
	snap := Snapshot{
		Title:   m.title,
		Options: append([]string{}, m.options...),
		Status:  m.status,
		Points:  make([]map[string]int64, len(m.pools)),
	}
	if !m.deadline.IsZero() {
		snap.StartTime = m.deadline.UnixMilli()
	}
	for i, pool := range m.pools {
		cp := make(map[string]int64, len(pool))
		for user, staked := range pool {
			cp[user] = staked
		}
		snap.Points[i] = cp
	}
	if m.winnerIndex >= 0 {
		idx := m.winnerIndex
		snap.WinnerIndex = &idx
	}
	return snap
}
