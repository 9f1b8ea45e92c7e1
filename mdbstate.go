package main

import (
	"sync"
	"time"

	"github.com/juju/loggo"
)

var stateLogger = loggo.GetLogger("state")

// PeripheralState is one of the five lawful MDB slave states.
type PeripheralState int

const (
	StateInactive PeripheralState = iota
	StateDisabled
	StateEnabled
	StateIdle
	StateVend
)

func (s PeripheralState) String() string {
	switch s {
	case StateInactive:
		return "Inactive"
	case StateDisabled:
		return "Disabled"
	case StateEnabled:
		return "Enabled"
	case StateIdle:
		return "Idle"
	case StateVend:
		return "Vend"
	default:
		return "Unknown"
	}
}

// eventFlag is a one-shot edge between tasks: set by one side, consumed
// (tested-and-cleared) by the other. Never read without clearing.
type eventFlag struct {
	mu  sync.Mutex
	set bool
}

func (f *eventFlag) Raise() {
	f.mu.Lock()
	f.set = true
	f.mu.Unlock()
}

// TestAndClear reports whether the flag was set, clearing it atomically so
// no two readers can both observe the same edge.
func (f *eventFlag) TestAndClear() bool {
	f.mu.Lock()
	v := f.set
	f.set = false
	f.mu.Unlock()
	return v
}

func (f *eventFlag) Clear() {
	f.mu.Lock()
	f.set = false
	f.mu.Unlock()
}

// pendingFlags holds the seven edge-triggered POLL-response flags.
// Mutually non-exclusive in storage; PollResponse below consumes them in
// a fixed priority order.
type pendingFlags struct {
	ResetAck      eventFlag
	OutOfSequence eventFlag
	SessionBegin  eventFlag
	SessionCancel eventFlag
	VendApproved  eventFlag
	VendDenied    eventFlag
	SessionEnd    eventFlag
}

func (p *pendingFlags) clearAll() {
	p.ResetAck.Clear()
	p.OutOfSequence.Clear()
	p.SessionBegin.Clear()
	p.SessionCancel.Clear()
	p.VendApproved.Clear()
	p.VendDenied.Clear()
	p.SessionEnd.Clear()
}

// txContext is the current transaction context, owned by the
// coordinator but read by the state machine when building POLL responses
// (item price for VendApproved, funds for SessionBegin).
type txContext struct {
	mu             sync.Mutex
	itemPrice      uint16
	itemNumber     uint16
	userBalance    int32
	fundsAvailable uint16
	transactionID  *int64
	vendSuccess    bool
}

func (t *txContext) reset() {
	t.mu.Lock()
	t.itemPrice = 0
	t.itemNumber = 0
	t.userBalance = -1
	t.fundsAvailable = 0
	t.transactionID = nil
	t.vendSuccess = false
	t.mu.Unlock()
}

// PeripheralMachine is the five-state MDB slave plus its pending-response
// flags, guarded by one fast mutex. The protocol engine (the Framer's
// caller) holds the lock for one command handler at a time; the
// coordinator takes it only for single field reads/writes.
type PeripheralMachine struct {
	mu    sync.Mutex
	state PeripheralState
	flags pendingFlags
	tx    txContext

	lastPoll      time.Time
	lastStateMove time.Time
	disabledSince time.Time

	// dispenseOutcome is an internal (not bus-visible) edge raised when the
	// VMC reports VEND_SUCCESS or VEND_FAILURE. State moves Vend -> Idle the
	// moment VendApproved is transmitted, before the VMC's actual dispense
	// report arrives, so AwaitDispenseOutcome cannot use "state == Idle" to
	// detect that report: it waits on this edge instead.
	dispenseOutcome eventFlag

	onStateChange func(PeripheralState)
}

func NewPeripheralMachine() *PeripheralMachine {
	m := &PeripheralMachine{state: StateInactive}
	m.tx.userBalance = -1
	now := time.Now()
	m.lastPoll = now
	m.lastStateMove = now
	return m
}

func (m *PeripheralMachine) State() PeripheralState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setState moves the state and records the transition time for the
// stuck-state watchdog. Caller must hold m.mu.
func (m *PeripheralMachine) setState(s PeripheralState) {
	if m.state == s {
		return
	}
	stateLogger.Infof("state %v -> %v", m.state, s)
	m.state = s
	m.lastStateMove = time.Now()
	if s == StateDisabled {
		m.disabledSince = time.Now()
	}
	if m.onStateChange != nil {
		m.onStateChange(s)
	}
}

// Reset is an unconditional move to Inactive, all flags cleared,
// ResetAck raised. Safe to call from any state at any time.
func (m *PeripheralMachine) Reset() {
	m.mu.Lock()
	m.flags.clearAll()
	m.setState(StateInactive)
	m.flags.ResetAck.Raise()
	m.mu.Unlock()
	m.tx.reset()
}

// HandleSetupConfigData moves Inactive -> Disabled and returns the fixed
// CONFIG_DATA response payload (checksum appended by the caller).
func (m *PeripheralMachine) HandleSetupConfigData() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInactive {
		m.flags.OutOfSequence.Raise()
		return nil, false
	}
	m.setState(StateDisabled)
	return []byte{respConfigData, 1, 0xFF, 0xFF, 1, 2, 5, 0b00001001}, true
}

// HandleSetupMaxMinPrices accepts the subcommand in any state reachable
// after CONFIG_DATA; it carries no state transition of its own.
func (m *PeripheralMachine) HandleSetupMaxMinPrices() {
	// Prices are not enforced by this peripheral; the VMC is the authority
	// on min/max. Acknowledged via the normal command ACK.
}

// HandleReaderEnable implements Disabled -> Enabled.
func (m *PeripheralMachine) HandleReaderEnable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDisabled {
		m.flags.OutOfSequence.Raise()
		return
	}
	m.setState(StateEnabled)
}

// HandleReaderDisable implements Enabled -> Disabled.
func (m *PeripheralMachine) HandleReaderDisable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateEnabled {
		m.flags.OutOfSequence.Raise()
		return
	}
	m.setState(StateDisabled)
}

// HandleReaderCancel is forwarded to the coordinator by the caller; the
// state machine itself has nothing to do here beyond ACKing the command.
func (m *PeripheralMachine) HandleReaderCancel() {}

// RaiseSessionBegin is called by the coordinator once a balance has been
// fetched. It stages the funds value and the edge flag; the actual
// Enabled->Idle move happens when the flag is consumed by a POLL.
func (m *PeripheralMachine) RaiseSessionBegin(funds uint16) {
	m.tx.mu.Lock()
	m.tx.fundsAvailable = funds
	m.tx.mu.Unlock()
	m.flags.SessionBegin.Raise()
}

// HandleVendRequest implements Idle -> Vend, storing the item price/number
// for the eventual VendApproved response.
func (m *PeripheralMachine) HandleVendRequest(price, item uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		m.flags.OutOfSequence.Raise()
		return false
	}
	m.tx.mu.Lock()
	m.tx.itemPrice = price
	m.tx.itemNumber = item
	m.tx.mu.Unlock()
	m.setState(StateVend)
	return true
}

// HandleVendCancel aborts an in-flight vend request while still Idle or
// before approval; surfaced to the coordinator as SessionCancel via its own
// polling of state, not modeled as a distinct state here.
func (m *PeripheralMachine) HandleVendCancel() {
	m.flags.SessionCancel.Raise()
}

// HandleVendSuccess records the dispense outcome and raises the internal
// dispenseOutcome edge the coordinator's AwaitDispenseOutcome step waits on.
func (m *PeripheralMachine) HandleVendSuccess(item uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tx.mu.Lock()
	m.tx.vendSuccess = true
	m.tx.mu.Unlock()
	m.setState(StateIdle)
	m.dispenseOutcome.Raise()
}

// HandleVendFailure records the dispense outcome and raises the internal
// dispenseOutcome edge the coordinator's AwaitDispenseOutcome step waits on.
func (m *PeripheralMachine) HandleVendFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tx.mu.Lock()
	m.tx.vendSuccess = false
	m.tx.mu.Unlock()
	m.setState(StateIdle)
	m.dispenseOutcome.Raise()
}

// ConsumeDispenseOutcome reports and clears whether the VMC has reported a
// dispense outcome (VEND_SUCCESS or VEND_FAILURE) since it was last checked.
func (m *PeripheralMachine) ConsumeDispenseOutcome() bool {
	return m.dispenseOutcome.TestAndClear()
}

// HandleSessionComplete keeps the state at Idle and raises SessionEnd.
func (m *PeripheralMachine) HandleSessionComplete() {
	m.flags.SessionEnd.Raise()
}

// RaiseVendApproved/RaiseVendDenied are called by the coordinator after a
// backend debit attempt. VendApproved can only be raised while in Vend.
func (m *PeripheralMachine) RaiseVendApproved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateVend {
		return false
	}
	m.flags.VendApproved.Raise()
	return true
}

func (m *PeripheralMachine) RaiseVendDenied() {
	m.flags.VendDenied.Raise()
}

// RaiseSessionEnd is called by the coordinator once a transaction reaches
// its SessionEnd step, in addition to the protocol-driven
// VEND/SESSION_COMPLETE path (HandleSessionComplete) which raises the same
// flag.
func (m *PeripheralMachine) RaiseSessionEnd() {
	m.flags.SessionEnd.Raise()
}

// PollResponse builds the response to the next POLL, consuming at most one
// pending flag in a fixed priority order. Returns nil for a bare
// ACK. Also implements the transitions that are triggered by a flag being
// consumed (VendApproved/VendDenied -> Idle, SessionEnd -> Enabled,
// SessionBegin -> Idle).
func (m *PeripheralMachine) PollResponse() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPoll = time.Now()

	if m.flags.OutOfSequence.TestAndClear() {
		return []byte{respOutOfSequence}
	}
	if m.flags.ResetAck.TestAndClear() {
		return []byte{respJustReset}
	}
	if m.flags.VendApproved.TestAndClear() {
		m.tx.mu.Lock()
		price := m.tx.itemPrice
		m.tx.mu.Unlock()
		m.setState(StateIdle)
		return []byte{respVendApproved, byte(price >> 8), byte(price)}
	}
	if m.flags.VendDenied.TestAndClear() {
		m.setState(StateIdle)
		return []byte{respVendDenied}
	}
	if m.flags.SessionEnd.TestAndClear() {
		m.setState(StateEnabled)
		return []byte{respSessionEnd}
	}
	if m.flags.SessionBegin.TestAndClear() {
		m.tx.mu.Lock()
		funds := m.tx.fundsAvailable
		m.tx.mu.Unlock()
		m.setState(StateIdle)
		return []byte{respSessionBegin, byte(funds >> 8), byte(funds)}
	}
	if m.flags.SessionCancel.TestAndClear() {
		return []byte{respSessionCancel}
	}
	return nil
}

// ExpansionRequestIDResponse returns the fixed 29-byte REQUEST_ID payload.
// Values are implementation-chosen and do not affect VMC behavior.
func ExpansionRequestIDResponse() []byte {
	resp := make([]byte, 0, 29)
	resp = append(resp, respPeripheralID)
	resp = append(resp, padASCII("ESP", 3)...)
	resp = append(resp, padASCII("CASHLESS0001", 12)...)
	resp = append(resp, padASCII("MDBBRIDGE", 12)...)
	resp = append(resp, padASCII("10", 2)...)
	return resp
}

func padASCII(s string, n int) []byte {
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		if i < len(s) {
			b[i] = s[i]
		} else {
			b[i] = ' '
		}
	}
	return b
}

const (
	noPollWatchdog     = 10 * time.Second
	stuckStateWatchdog = 30 * time.Second
	disabledWatchdog   = 60 * time.Second
	watchdogTick       = 1 * time.Second
)

// RunWatchdogs runs the no-poll, stuck-state, and disabled timers as a
// single ticker goroutine. Stops when stop is closed.
func (m *PeripheralMachine) RunWatchdogs(stop <-chan struct{}) {
	t := time.NewTicker(watchdogTick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.checkWatchdogs()
		}
	}
}

func (m *PeripheralMachine) checkWatchdogs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	if now.Sub(m.lastPoll) > noPollWatchdog {
		stateLogger.Warningf("no POLL for %v, forcing Inactive", noPollWatchdog)
		m.flags.clearAll()
		m.setState(StateInactive)
		m.flags.ResetAck.Raise()
		return
	}
	if m.state != StateEnabled && now.Sub(m.lastStateMove) > stuckStateWatchdog {
		stateLogger.Warningf("state %v stuck for %v, forcing Inactive", m.state, stuckStateWatchdog)
		m.flags.clearAll()
		m.setState(StateInactive)
		m.flags.ResetAck.Raise()
		return
	}
	if m.state == StateDisabled && !m.disabledSince.IsZero() && now.Sub(m.disabledSince) > disabledWatchdog {
		stateLogger.Warningf("Disabled for %v, raising OutOfSequence", disabledWatchdog)
		m.flags.OutOfSequence.Raise()
	}
}
