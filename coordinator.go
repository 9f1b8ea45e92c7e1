package main

import (
	"context"
	"time"

	"github.com/juju/loggo"
)

var coordLogger = loggo.GetLogger("coordinator")

// CoordinatorPhase names the coordinator's own state machine. It is
// distinct from PeripheralState: the coordinator tracks where it is in one
// purchase's choreography, while PeripheralMachine tracks what the MDB bus
// sees.
type CoordinatorPhase int

const (
	PhaseWaiting CoordinatorPhase = iota
	PhaseCardRead
	PhaseBalanceFetch
	PhaseAwaitEnabled
	PhaseSessionBegin
	PhaseAwaitVendReq
	PhaseDebit
	PhaseVendAuth
	PhaseAwaitDispenseOutcome
	PhaseConfirmOrRollback
	PhaseSessionEnd
)

func (p CoordinatorPhase) String() string {
	names := [...]string{
		"Waiting", "CardRead", "BalanceFetch", "AwaitEnabled", "SessionBegin",
		"AwaitVendReq", "Debit", "VendAuth", "AwaitDispenseOutcome",
		"ConfirmOrRollback", "SessionEnd",
	}
	if int(p) < len(names) {
		return names[p]
	}
	return "Unknown"
}

const (
	awaitEnabledTimeout         = 5 * time.Second
	awaitVendReqTimeout         = 10 * time.Second
	awaitDispenseOutcomeTimeout = 10 * time.Second
	pollGranularity             = 10 * time.Millisecond
)

// Coordinator is the single task that drives one purchase at a time end to
// end, reading/writing the PeripheralMachine's flags and state
// and calling out to the Backend and CardReader collaborators. It owns the
// "current transaction" fields conceptually, even though their storage for
// POLL-response purposes lives in PeripheralMachine.tx.
type Coordinator struct {
	machine   *PeripheralMachine
	reader    CardReader
	backend   Backend
	machineID string

	cancel chan struct{}
}

func NewCoordinator(machine *PeripheralMachine, reader CardReader, backend Backend) *Coordinator {
	return &Coordinator{
		machine: machine,
		reader:  reader,
		backend: backend,
		cancel:  make(chan struct{}, 1),
	}
}

// RequestCancel sets a cancellation token, raised by RESET handling or an
// external trigger, honoured by every awaitState wait uniformly rather
// than checked ad hoc.
func (c *Coordinator) RequestCancel() {
	select {
	case c.cancel <- struct{}{}:
	default:
	}
}

func (c *Coordinator) drainCancel() {
	select {
	case <-c.cancel:
	default:
	}
}

func (c *Coordinator) cancelled() bool {
	select {
	case <-c.cancel:
		return true
	default:
		return false
	}
}

// Run is the coordinator's main loop: one full purchase per iteration,
// forever, until ctx is cancelled. Meant to run in its own goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.drainCancel()
		c.runOnePurchase(ctx)
	}
}

func (c *Coordinator) runOnePurchase(ctx context.Context) {
	coordLogger.Debugf("phase Waiting: awaiting card")

	if !c.reader.Present() {
		card, err := c.reader.Read(ctx)
		if err != nil {
			return
		}
		c.completePurchase(ctx, card)
		return
	}
	// A card was already on the reader from before; a second card is
	// ignored until the current one completes, so we simply wait for the
	// removal-then-reapplication edge via Read.
	card, err := c.reader.Read(ctx)
	if err != nil {
		return
	}
	c.completePurchase(ctx, card)
}

func (c *Coordinator) completePurchase(ctx context.Context, card Card) {
	coordLogger.Infof("phase CardRead: uid=%v", card.UIDHex())

	balance, ok := c.balanceFetch(ctx, card.UIDHex())
	if !ok {
		c.awaitCardRemoval(ctx)
		return
	}

	if !c.awaitEnabled(ctx) {
		coordLogger.Infof("phase AwaitEnabled: timed out or cancelled, aborting")
		c.awaitCardRemoval(ctx)
		return
	}

	funds := uint16(0)
	if balance > 0 {
		funds = capFunds(balance)
	}
	c.machine.RaiseSessionBegin(funds)
	coordLogger.Infof("phase SessionBegin: funds=%v", funds)

	price, item, ok := c.awaitVendReq(ctx)
	if !ok {
		coordLogger.Infof("phase AwaitVendReq: card withdrawn or cancelled, raising SessionCancel")
		c.machine.HandleVendCancel()
		c.awaitCardRemoval(ctx)
		return
	}

	txID, approved := c.debit(ctx, card.UIDHex(), price, item)
	if approved {
		c.machine.RaiseVendApproved()
		// Only an approved vend has a real dispense outcome to wait for;
		// a denial already IS the outcome: VendApproved and VendDenied
		// both move Vend -> Idle the instant they're transmitted, so
		// "state == Idle" can't distinguish "denied" from "approved, not
		// yet dispensed" — the dedicated edge can.
		c.awaitDispenseOutcome(ctx)
	} else {
		c.machine.RaiseVendDenied()
	}

	c.confirmOrRollback(ctx, txID)

	c.sessionEnd()
	c.awaitCardRemoval(ctx)
}

// balanceFetch makes up to 3 attempts with a 500ms fixed backoff. A
// negative (unread) or error result after all attempts aborts to Waiting
// without raising any MDB flag. A non-negative result is stored and
// reported back to the caller, including a legitimate zero balance: zero
// is not a bug, negative means "couldn't read it".
func (c *Coordinator) balanceFetch(ctx context.Context, uid string) (int64, bool) {
	var lastErr error
	for attempt := 1; attempt <= balanceFetchAttempts; attempt++ {
		balance, err := c.backend.GetBalance(ctx, uid)
		if err == nil && balance >= 0 {
			return balance, true
		}
		lastErr = err
		if attempt < balanceFetchAttempts {
			select {
			case <-time.After(balanceFetchBackoff):
			case <-ctx.Done():
				return 0, false
			}
		}
	}
	coordLogger.Warningf("phase BalanceFetch: all %d attempts failed for uid=%v: %v", balanceFetchAttempts, uid, lastErr)
	return 0, false
}

// capFunds maps a backend balance to the MDB funds_available field, never
// producing the 0xFFFF unlimited sentinel.
func capFunds(balance int64) uint16 {
	if balance > 0xFFFE {
		return 0xFFFE
	}
	return uint16(balance)
}

// awaitEnabled waits up to 5s for state=Enabled.
func (c *Coordinator) awaitEnabled(ctx context.Context) bool {
	return c.awaitState(ctx, awaitEnabledTimeout, func() bool {
		return c.machine.State() == StateEnabled
	})
}

// awaitVendReq waits up to 10s for state=Vend, honouring cancellation and
// card withdrawal (treated as an early abort, raised by the caller as
// SessionCancel). Returns the staged item price and number once Vend is
// observed.
func (c *Coordinator) awaitVendReq(ctx context.Context) (uint16, uint16, bool) {
	ok := c.awaitState(ctx, awaitVendReqTimeout, func() bool {
		return c.machine.State() == StateVend || !c.reader.Present()
	})
	if !ok || !c.reader.Present() || c.machine.State() != StateVend {
		return 0, 0, false
	}
	c.machine.tx.mu.Lock()
	price, item := c.machine.tx.itemPrice, c.machine.tx.itemNumber
	c.machine.tx.mu.Unlock()
	return price, item, true
}

// debit calls out to the backend: a non-200/parse failure denies the vend
// with no transaction id; success stores it for the later confirm/rollback
// decision.
func (c *Coordinator) debit(ctx context.Context, uid string, price, item uint16) (txID int64, approved bool) {
	id, err := c.backend.MakePurchase(ctx, uid, int(price), int(item))
	if err != nil {
		coordLogger.Warningf("phase Debit: denied, backend error: %v", err)
		metricVendsDenied.Inc(1)
		return 0, false
	}
	coordLogger.Infof("phase Debit: approved, transaction_id=%v", id)
	metricVendsApproved.Inc(1)
	return id, true
}

// awaitDispenseOutcome waits up to 10s, on the approved-vend path, for the
// VMC to report VEND_SUCCESS or VEND_FAILURE. A timeout leaves
// tx.vendSuccess at its last value (false, since SessionBegin never sets
// it true), so confirmOrRollback below correctly treats a timeout as "not
// dispensed" and rolls back.
func (c *Coordinator) awaitDispenseOutcome(ctx context.Context) {
	c.awaitState(ctx, awaitDispenseOutcomeTimeout, func() bool {
		return c.machine.ConsumeDispenseOutcome()
	})
}

// confirmOrRollback issues a confirm iff the debit produced a transaction
// id and the VMC reported VendSuccess. Every other outcome (denied, VMC
// failure, timeout) is a best-effort rollback, logged and not retried on
// failure.
func (c *Coordinator) confirmOrRollback(ctx context.Context, txID int64) {
	if txID == 0 {
		return // nothing was debited; nothing to confirm or roll back.
	}

	c.machine.tx.mu.Lock()
	success := c.machine.tx.vendSuccess
	c.machine.tx.mu.Unlock()

	if success {
		if err := c.backend.ConfirmPurchase(ctx, txID); err != nil {
			coordLogger.Errorf("phase ConfirmOrRollback: confirmPurchase(%v) failed: %v", txID, err)
		}
		return
	}

	if err := c.backend.RollbackPurchase(ctx, txID); err != nil {
		coordLogger.Warningf("phase ConfirmOrRollback: rollback of %v not applied: %v", txID, err)
	}
}

func (c *Coordinator) sessionEnd() {
	c.machine.tx.reset()
	c.machine.RaiseSessionEnd()
	coordLogger.Infof("phase SessionEnd")
}

// awaitCardRemoval blocks until the reader reports the card gone, honouring
// cancellation. Used at every exit path of a purchase.
func (c *Coordinator) awaitCardRemoval(ctx context.Context) {
	for c.reader.Present() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollGranularity):
		}
	}
	c.reader.EndCard()
}

// awaitState polls cond at pollGranularity until it returns true, the
// timeout elapses, ctx is cancelled, or RequestCancel has fired. It is the
// single mechanism every AwaitX step uses, so cancellation is honoured
// uniformly rather than checked ad hoc.
func (c *Coordinator) awaitState(ctx context.Context, timeout time.Duration, cond func() bool) bool {
	deadline := time.After(timeout)
	t := time.NewTicker(pollGranularity)
	defer t.Stop()
	for {
		// A RESET observed mid-wait (Inactive) always aborts, regardless of
		// which AwaitX step is running: the coordinator must observe the
		// resulting Inactive state and abort.
		if c.machine.State() == StateInactive {
			return false
		}
		if cond() {
			return true
		}
		select {
		case <-t.C:
			continue
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		case <-c.cancel:
			return false
		}
	}
}
