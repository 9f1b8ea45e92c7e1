package main

import "testing"

func TestResetClearsEverything(t *testing.T) {
	m := NewPeripheralMachine()
	m.HandleSetupConfigData()
	m.HandleReaderEnable()
	m.flags.SessionBegin.Raise()

	m.Reset()

	if m.State() != StateInactive {
		t.Fatalf("state = %v, want Inactive", m.State())
	}
	if !m.flags.ResetAck.TestAndClear() {
		t.Fatalf("expected ResetAck raised")
	}
	if m.flags.SessionBegin.TestAndClear() {
		t.Fatalf("expected SessionBegin cleared by reset")
	}
	resp := m.PollResponse()
	if len(resp) != 1 || resp[0] != respJustReset {
		t.Fatalf("PollResponse after reset = %x, want [0x00]", resp)
	}
}

func TestSetupConfigDataTransition(t *testing.T) {
	m := NewPeripheralMachine()
	resp, ok := m.HandleSetupConfigData()
	if !ok {
		t.Fatalf("expected SETUP/CONFIG_DATA to succeed from Inactive")
	}
	want := []byte{respConfigData, 1, 0xFF, 0xFF, 1, 2, 5, 0b00001001}
	if string(resp) != string(want) {
		t.Fatalf("response = %x, want %x", resp, want)
	}
	if m.State() != StateDisabled {
		t.Fatalf("state = %v, want Disabled", m.State())
	}
}

func TestPollPriorityOrder(t *testing.T) {
	m := NewPeripheralMachine()
	m.flags.OutOfSequence.Raise()
	m.flags.ResetAck.Raise()
	m.flags.VendDenied.Raise()

	resp := m.PollResponse()
	if len(resp) != 1 || resp[0] != respOutOfSequence {
		t.Fatalf("expected OutOfSequence to win priority, got %x", resp)
	}
	resp = m.PollResponse()
	if len(resp) != 1 || resp[0] != respJustReset {
		t.Fatalf("expected ResetAck next, got %x", resp)
	}
	resp = m.PollResponse()
	if len(resp) != 1 || resp[0] != respVendDenied {
		t.Fatalf("expected VendDenied last, got %x", resp)
	}
}

func TestVendApprovedEchoesItemPrice(t *testing.T) {
	m := NewPeripheralMachine()
	m.HandleSetupConfigData()
	m.HandleReaderEnable()
	m.RaiseSessionBegin(500)
	m.PollResponse() // consume SessionBegin, Enabled -> Idle

	if !m.HandleVendRequest(150, 3) {
		t.Fatalf("expected VEND/REQUEST to succeed from Idle")
	}
	if !m.RaiseVendApproved() {
		t.Fatalf("expected VendApproved to be raisable from Vend")
	}
	resp := m.PollResponse()
	want := []byte{respVendApproved, 0x00, 0x96}
	if string(resp) != string(want) {
		t.Fatalf("VendApproved response = %x, want %x", resp, want)
	}
	if m.State() != StateIdle {
		t.Fatalf("state after VendApproved = %v, want Idle", m.State())
	}
}

func TestVendApprovedOnlyWhileVend(t *testing.T) {
	m := NewPeripheralMachine()
	if m.RaiseVendApproved() {
		t.Fatalf("VendApproved must not be raisable outside Vend state")
	}
}

func TestSessionEndReturnsToEnabled(t *testing.T) {
	m := NewPeripheralMachine()
	m.HandleSetupConfigData()
	m.HandleReaderEnable()
	m.RaiseSessionEnd()
	resp := m.PollResponse()
	if len(resp) != 1 || resp[0] != respSessionEnd {
		t.Fatalf("unexpected SessionEnd response %x", resp)
	}
	if m.State() != StateEnabled {
		t.Fatalf("state after SessionEnd = %v, want Enabled", m.State())
	}
}

func TestWatchdogNoPollForcesInactive(t *testing.T) {
	m := NewPeripheralMachine()
	m.HandleSetupConfigData()
	m.HandleReaderEnable()
	m.lastPoll = m.lastPoll.Add(-2 * noPollWatchdog)

	m.checkWatchdogs()

	if m.State() != StateInactive {
		t.Fatalf("state = %v, want Inactive after no-POLL watchdog", m.State())
	}
	if !m.flags.ResetAck.TestAndClear() {
		t.Fatalf("expected ResetAck raised by watchdog")
	}
}

func TestExpansionRequestIDResponseLength(t *testing.T) {
	resp := ExpansionRequestIDResponse()
	if len(resp) != 29 {
		t.Fatalf("REQUEST_ID response length = %d, want 29", len(resp))
	}
	if resp[0] != respPeripheralID {
		t.Fatalf("unexpected leading byte %#x", resp[0])
	}
}
