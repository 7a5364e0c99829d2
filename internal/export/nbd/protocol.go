// Copyright (C) 2024 The s3nbd authors

package nbd

// Wire format of the NBD fixed newstyle handshake and the simple reply
// transmission phase, as published in the NBD protocol document. All
// integers are big endian.

const (
	// "NBDMAGIC" and "IHAVEOPT", sent back to back as the server
	// greeting.
	magicOldstyle = 0x4e42444d41474943
	magicOption   = 0x49484156454f5054

	magicOptionReply = 0x3e889045565a9
	magicRequest     = 0x25609513
	magicSimpleReply = 0x67446698

	// Handshake flags, mirrored by the client in its flags field.
	handshakeFixedNewstyle = 1 << 0
	handshakeNoZeroes      = 1 << 1

	// Options the client may send during negotiation.
	optExportName = 1
	optAbort      = 2
	optList       = 3
	optInfo       = 6
	optGo         = 7

	// Option reply types. Errors have the top bit set.
	repAck        = 1
	repServer     = 2
	repInfo       = 3
	repErrUnsup   = 1<<31 | 1
	repErrUnknown = 1<<31 | 6

	// Information types inside a repInfo reply.
	infoExport    = 0
	infoBlockSize = 3

	// Transmission flags announced with the export.
	flagHasFlags        = 1 << 0
	flagReadOnly        = 1 << 1
	flagSendFlush       = 1 << 2
	flagSendTrim        = 1 << 5
	flagSendWriteZeroes = 1 << 6
	flagCanMultiConn    = 1 << 8
	flagSendCache       = 1 << 10

	// Transmission commands.
	cmdRead        = 0
	cmdWrite       = 1
	cmdDisc        = 2
	cmdFlush       = 3
	cmdTrim        = 4
	cmdCache       = 5
	cmdWriteZeroes = 6

	// Bound on the option payloads we accept. Option data is export
	// names plus a short information request list, nothing close to
	// this.
	maxOptionLength = 4096
)

// Server greeting opening the handshake.
type serverHandshake struct {
	OldstyleMagic  uint64
	OptionMagic    uint64
	HandshakeFlags uint16
}

// Header of one client option during negotiation, followed by Length
// bytes of option data.
type optionHeader struct {
	Magic  uint64
	Option uint32
	Length uint32
}

// Header of one server reply to an option, followed by Length bytes of
// reply data.
type optionReplyHeader struct {
	Magic  uint64
	Option uint32
	Type   uint32
	Length uint32
}

// Header of one transmission request. Write-like commands carry Length
// bytes of payload after the header.
type requestHeader struct {
	Magic  uint32
	Flags  uint16
	Type   uint16
	Handle uint64
	Offset uint64
	Length uint32
}

// Simple reply to a transmission request. Read replies carry the data
// after the header.
type simpleReply struct {
	Magic  uint32
	Error  uint32
	Handle uint64
}
