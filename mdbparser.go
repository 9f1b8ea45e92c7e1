package main

import "fmt"

// Command is a fully decoded MDB command addressed to one of our
// personalities, with the address/command byte split out and any
// subcommand/data bytes left raw for the state machine to interpret.
type Command struct {
	Addr    byte
	Cmd     byte
	Sub     byte
	HasSub  bool
	Data    []byte
}

func (c Command) String() string {
	return fmt.Sprintf("addr=%#x cmd=%#x sub=%#x data=%x", c.Addr, c.Cmd, c.Sub, c.Data)
}

// commandsWithSubcommand lists the commands whose first data byte is a
// subcommand selector rather than plain payload.
var commandsWithSubcommand = map[byte]bool{
	cmdSetup:     true,
	cmdVend:      true,
	cmdReader:    true,
	cmdExpansion: true,
}

// ParseCommand decodes a checksum-verified frame payload (address/command
// byte followed by zero or more data bytes) into a Command. It returns
// ok=false when the address nibble doesn't match one of our configured
// personalities — the caller discards such frames silently (they belong to
// another peripheral on the bus), never replying ACK or NAK.
func ParseCommand(payload []byte, accept func(addr byte) bool) (Command, bool) {
	if len(payload) == 0 {
		return Command{}, false
	}
	addrCmd := payload[0]
	addr := addrCmd & addrMask
	cmd := addrCmd & cmdMask

	if !accept(addr) {
		return Command{}, false
	}

	c := Command{Addr: addr, Cmd: cmd}
	rest := payload[1:]
	if commandsWithSubcommand[cmd] && len(rest) > 0 {
		c.Sub = rest[0]
		c.HasSub = true
		c.Data = rest[1:]
	} else {
		c.Data = rest
	}
	return c, true
}

// acceptCashlessOnly is the default accept predicate: only the required
// Cashless Device #1 address, never the Comms Gateway personality.
func acceptCashlessOnly(addr byte) bool {
	return addr == addrCashless
}

// acceptCashlessAndGateway additionally accepts the Communications Gateway
// personality when it has been enabled in configuration.
func acceptCashlessAndGateway(addr byte) bool {
	return addr == addrCashless || addr == addrCommsGateway
}
