package main

import (
	"context"
	"time"

	"github.com/juju/loggo"
)

var engineLogger = loggo.GetLogger("parser")

// ProtocolEngine is the highest-priority task in the process: it owns the
// Framer, decodes each frame via ParseCommand, and mutates the
// PeripheralMachine accordingly. It must never block on anything but the
// next RX byte, so every command handler below runs to completion
// synchronously before the next frame is read.
type ProtocolEngine struct {
	framer   *Framer
	machine  *PeripheralMachine
	cashSale *CashSaleForwarder
	coord    *Coordinator
	accept   func(addr byte) bool
}

func NewProtocolEngine(framer *Framer, machine *PeripheralMachine, cashSale *CashSaleForwarder, coord *Coordinator, enableGateway bool) *ProtocolEngine {
	accept := acceptCashlessOnly
	if enableGateway {
		accept = acceptCashlessAndGateway
	}
	return &ProtocolEngine{framer: framer, machine: machine, cashSale: cashSale, coord: coord, accept: accept}
}

// newEngineWithPortManager builds a ProtocolEngine without a fixed Framer;
// RunForever below supplies a fresh one each time PortManager hands back a
// live port.
func newEngineWithPortManager(portMgr *PortManager, machine *PeripheralMachine, cashSale *CashSaleForwarder, coord *Coordinator, enableGateway bool) *ProtocolEngine {
	accept := acceptCashlessOnly
	if enableGateway {
		accept = acceptCashlessAndGateway
	}
	return &ProtocolEngine{machine: machine, cashSale: cashSale, coord: coord, accept: accept}
}

// RunForever drives the engine across serial reconnects: it waits for
// PortManager to hold a live port, wraps it in a Framer, and runs until
// that port fails, at which point it reports the loss to PortManager (whose
// Monitor goroutine owns the actual backoff/reconnect) and waits for the
// next one.
func (e *ProtocolEngine) RunForever(ctx context.Context, portMgr *PortManager) {
	for {
		if ctx.Err() != nil {
			return
		}
		port, err := portMgr.Current()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		e.framer = NewFramer(port)
		err = e.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		engineLogger.Warningf("protocol engine stopped, reporting port lost: %v", err)
		metricSerialReconnects.Inc(1)
		portMgr.ReportLost()
	}
}

// Run reads and handles frames forever, until ctx is cancelled or the
// framer's underlying port fails fatally.
func (e *ProtocolEngine) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame, err := e.framer.ReadFrame(ctx)
		if err != nil {
			return err
		}
		e.handleFrame(frame)
	}
}

func (e *ProtocolEngine) handleFrame(frame []byte) {
	payload, ok := VerifyChecksum(frame)
	if !ok {
		// Checksum mismatch replies NAK only; no state change.
		engineLogger.Debugf("checksum mismatch on frame %x", frame)
		if err := e.framer.Nak(); err != nil {
			engineLogger.Warningf("write NAK failed: %v", err)
		}
		return
	}

	cmd, ok := ParseCommand(payload, e.accept)
	if !ok {
		// Mis-addressed frame: silent discard, no bus traffic.
		return
	}

	switch cmd.Cmd {
	case cmdReset:
		e.machine.Reset()
		if e.coord != nil {
			e.coord.RequestCancel()
		}
		e.ack()
	case cmdSetup:
		e.handleSetup(cmd)
	case cmdPoll:
		e.handlePoll()
	case cmdVend:
		e.handleVend(cmd)
	case cmdReader:
		e.handleReader(cmd)
	case cmdExpansion:
		e.handleExpansion(cmd)
	default:
		e.ack()
	}
}

func (e *ProtocolEngine) ack() {
	if err := e.framer.Ack(); err != nil {
		engineLogger.Warningf("write ACK failed: %v", err)
	}
}

func (e *ProtocolEngine) respond(payload []byte) {
	if err := e.framer.WriteBlock(payload); err != nil {
		engineLogger.Warningf("write response block failed: %v", err)
	}
}

func (e *ProtocolEngine) handleSetup(cmd Command) {
	if !cmd.HasSub {
		e.ack()
		return
	}
	switch cmd.Sub {
	case setupConfigData:
		resp, ok := e.machine.HandleSetupConfigData()
		if !ok {
			e.ack()
			return
		}
		e.respond(resp)
	case setupMaxMinPrices:
		e.machine.HandleSetupMaxMinPrices()
		e.ack()
	default:
		e.ack()
	}
}

func (e *ProtocolEngine) handlePoll() {
	resp := e.machine.PollResponse()
	if resp == nil {
		e.ack()
		return
	}
	e.respond(resp)
}

func (e *ProtocolEngine) handleVend(cmd Command) {
	if !cmd.HasSub {
		e.ack()
		return
	}
	switch cmd.Sub {
	case vendRequest:
		if len(cmd.Data) < 4 {
			e.ack()
			return
		}
		price := uint16(cmd.Data[0])<<8 | uint16(cmd.Data[1])
		item := uint16(cmd.Data[2])<<8 | uint16(cmd.Data[3])
		e.machine.HandleVendRequest(price, item)
		e.ack()
	case vendCancel:
		e.machine.HandleVendCancel()
		e.ack()
	case vendSuccess:
		var item uint16
		if len(cmd.Data) >= 2 {
			item = uint16(cmd.Data[0])<<8 | uint16(cmd.Data[1])
		}
		e.machine.HandleVendSuccess(item)
		e.ack()
	case vendFailure:
		e.machine.HandleVendFailure()
		e.ack()
	case vendSessionComplete:
		e.machine.HandleSessionComplete()
		e.ack()
	case vendCashSale:
		if len(cmd.Data) < 4 {
			e.ack()
			return
		}
		price := uint16(cmd.Data[0])<<8 | uint16(cmd.Data[1])
		item := uint16(cmd.Data[2])<<8 | uint16(cmd.Data[3])
		if e.cashSale != nil {
			e.cashSale.Push(CashSale{Price: price, Item: item})
		}
		e.ack()
	default:
		e.ack()
	}
}

func (e *ProtocolEngine) handleReader(cmd Command) {
	if !cmd.HasSub {
		e.ack()
		return
	}
	switch cmd.Sub {
	case readerEnable:
		e.machine.HandleReaderEnable()
	case readerDisable:
		e.machine.HandleReaderDisable()
	case readerCancel:
		e.machine.HandleReaderCancel()
		if e.coord != nil {
			e.coord.RequestCancel()
		}
	}
	e.ack()
}

func (e *ProtocolEngine) handleExpansion(cmd Command) {
	if !cmd.HasSub {
		e.ack()
		return
	}
	switch cmd.Sub {
	case expansionRequestID:
		e.respond(ExpansionRequestIDResponse())
	default:
		e.ack()
	}
}
