package main

// MDB wire constants. All multi-byte integers on the wire are big-endian.
// Values follow the NAMA Multi-Drop Bus spec as tabulated in the cashless
// peripheral (device class "Cashless Device #1") command set.

const (
	mdbACK byte = 0x00 // Acknowledgment / checksum correct, sent alone
	mdbRET byte = 0xAA // Retransmit the previously sent block
	mdbNAK byte = 0xFF // Negative acknowledge / checksum error
)

// Peripheral bus addresses this device answers to. addrCashless is the
// required "Cashless Device #1" personality; addrCommsGateway is the
// optional Communications Gateway personality, shipped as a second
// personality rather than dropped.
const (
	addrCashless     byte = 0x10
	addrCommsGateway byte = 0x18
)

// Command codes, the low 3 bits of an address/command byte (AAAAACCC).
const (
	cmdReset     byte = 0
	cmdSetup     byte = 1
	cmdPoll      byte = 2
	cmdVend      byte = 3
	cmdReader    byte = 4
	cmdExpansion byte = 7
)

const (
	addrMask byte = 0xF8
	cmdMask  byte = 0x07
)

// SETUP subcommands.
const (
	setupConfigData     byte = 0
	setupMaxMinPrices   byte = 1
)

// VEND subcommands.
const (
	vendRequest          byte = 0
	vendCancel           byte = 1
	vendSuccess          byte = 2
	vendFailure          byte = 3
	vendSessionComplete  byte = 4
	vendCashSale         byte = 5
)

// READER subcommands.
const (
	readerDisable byte = 0
	readerEnable  byte = 1
	readerCancel  byte = 2
)

// EXPANSION subcommands.
const (
	expansionRequestID byte = 0
)

// POLL response leading bytes, in priority order.
const (
	respOutOfSequence byte = 0x0b
	respJustReset     byte = 0x00
	respVendApproved  byte = 0x05
	respVendDenied    byte = 0x06
	respSessionEnd    byte = 0x07
	respSessionBegin  byte = 0x03
	respSessionCancel byte = 0x04
	respCanceled      byte = 0x08
	respConfigData    byte = 0x01
	respPeripheralID  byte = 0x09
)

// fundsUnknownSentinel is the MDB-defined "unlimited/unknown funds" value,
// never produced by this implementation but recognized for documentation
// purposes.
const fundsUnknownSentinel uint16 = 0xFFFF
