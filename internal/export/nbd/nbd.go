// Copyright (C) 2024 The s3nbd authors

// Package nbd serves a device to NBD clients over the fixed newstyle
// protocol. The negotiation advertises the device geometry and
// capabilities, the transmission phase maps commands onto the device:
// reads and writes, trim and write-zeroes onto the zero-fill path,
// flush onto Sync, and the cache hint onto Preload. Request
// decomposition stays with the device package; nothing here looks at
// request payloads.
package nbd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/s3nbd/s3nbd/internal/device"
	"github.com/s3nbd/s3nbd/internal/store"
)

// Options for Serve. Name and Description identify the export during
// negotiation.
type Options struct {
	Name        string
	Description string
	ReadOnly    bool
}

var errClientAbort = errors.New("client aborted negotiation")

// Serve accepts NBD connections on ln and serves dev on each of them
// until ln is closed. Every connection runs in its own goroutine; the
// device keeps no per-connection state, so any number of connections
// from the same client is fine and is advertised as such.
func Serve(ln net.Listener, dev *device.Device, opts Options) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		log.Info().Str("client", nc.RemoteAddr().String()).Msg("client connected")

		go func() {
			defer nc.Close()

			err := handleConn(nc, dev, opts)
			log.Info().Err(err).Str("client", nc.RemoteAddr().String()).Msg("client disconnected")
		}()
	}
}

type conn struct {
	c        net.Conn
	dev      *device.Device
	opts     Options
	noZeroes bool
}

func handleConn(nc net.Conn, dev *device.Device, opts Options) error {
	c := &conn{c: nc, dev: dev, opts: opts}

	if err := c.negotiate(); err != nil {
		if errors.Is(err, errClientAbort) {
			return nil
		}
		return err
	}
	return c.transmit()
}

// transmissionFlags computes the export flags from the device
// capabilities. Trim, write-zeroes and flush are always on; the cache
// hint only when a preloading cache sits under the device.
func transmissionFlags(dev *device.Device, readOnly bool) uint16 {
	flags := uint16(flagHasFlags | flagSendFlush | flagSendTrim | flagSendWriteZeroes)
	if readOnly {
		flags |= flagReadOnly
	}
	if dev.CanMultiConn() {
		flags |= flagCanMultiConn
	}
	if dev.CanPreloadCache() {
		flags |= flagSendCache
	}
	return flags
}

func (c *conn) negotiate() error {
	hello := serverHandshake{
		OldstyleMagic:  magicOldstyle,
		OptionMagic:    magicOption,
		HandshakeFlags: handshakeFixedNewstyle | handshakeNoZeroes,
	}
	if err := binary.Write(c.c, binary.BigEndian, hello); err != nil {
		return err
	}

	var clientFlags uint32
	if err := binary.Read(c.c, binary.BigEndian, &clientFlags); err != nil {
		return err
	}
	c.noZeroes = clientFlags&handshakeNoZeroes != 0

	for {
		var opt optionHeader
		if err := binary.Read(c.c, binary.BigEndian, &opt); err != nil {
			return err
		}
		if opt.Magic != magicOption {
			return fmt.Errorf("bad option magic %#x", opt.Magic)
		}
		if opt.Length > maxOptionLength {
			return fmt.Errorf("oversized option payload (%d bytes)", opt.Length)
		}
		payload := make([]byte, opt.Length)
		if _, err := io.ReadFull(c.c, payload); err != nil {
			return err
		}

		switch opt.Option {
		case optGo, optInfo:
			name, ok := parseInfoName(payload)
			if !ok || (name != "" && name != c.opts.Name) {
				if err := c.optionReply(opt.Option, repErrUnknown, nil); err != nil {
					return err
				}
				continue
			}
			if err := c.sendExportInfo(opt.Option); err != nil {
				return err
			}
			if opt.Option == optGo {
				return nil
			}

		case optExportName:
			if name := string(payload); name != "" && name != c.opts.Name {
				// This option predates error replies; the
				// only answer to an unknown name is to drop
				// the connection.
				return fmt.Errorf("unknown export %q", name)
			}
			return c.sendOldstyleInfo()

		case optList:
			name := []byte(c.opts.Name)
			p := make([]byte, 4+len(name))
			binary.BigEndian.PutUint32(p, uint32(len(name)))
			copy(p[4:], name)
			if err := c.optionReply(optList, repServer, p); err != nil {
				return err
			}
			if err := c.optionReply(optList, repAck, nil); err != nil {
				return err
			}

		case optAbort:
			c.optionReply(optAbort, repAck, nil)
			return errClientAbort

		default:
			if err := c.optionReply(opt.Option, repErrUnsup, nil); err != nil {
				return err
			}
		}
	}
}

// parseInfoName extracts the export name from an optGo or optInfo
// payload. The trailing information request list is ignored; every
// reply we can produce is sent unconditionally.
func parseInfoName(p []byte) (string, bool) {
	if len(p) < 4 {
		return "", false
	}
	n := binary.BigEndian.Uint32(p)
	if int64(n) > int64(len(p)-4) {
		return "", false
	}
	return string(p[4 : 4+n]), true
}

func (c *conn) optionReply(option, typ uint32, payload []byte) error {
	h := optionReplyHeader{
		Magic:  magicOptionReply,
		Option: option,
		Type:   typ,
		Length: uint32(len(payload)),
	}
	if err := binary.Write(c.c, binary.BigEndian, h); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.c.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// sendExportInfo answers an optGo or optInfo with the export size and
// flags, the request size limits, and a final ack.
func (c *conn) sendExportInfo(option uint32) error {
	p := make([]byte, 12)
	binary.BigEndian.PutUint16(p, infoExport)
	binary.BigEndian.PutUint64(p[2:], uint64(c.dev.Size()))
	binary.BigEndian.PutUint16(p[10:], transmissionFlags(c.dev, c.opts.ReadOnly))
	if err := c.optionReply(option, repInfo, p); err != nil {
		return err
	}

	maxRequest := c.dev.MaxRequest()
	if maxRequest > math.MaxUint32 {
		maxRequest = math.MaxUint32
	}
	p = make([]byte, 14)
	binary.BigEndian.PutUint16(p, infoBlockSize)
	binary.BigEndian.PutUint32(p[2:], 1)
	binary.BigEndian.PutUint32(p[6:], uint32(c.dev.BlockSize()))
	binary.BigEndian.PutUint32(p[10:], uint32(maxRequest))
	if err := c.optionReply(option, repInfo, p); err != nil {
		return err
	}

	return c.optionReply(option, repAck, nil)
}

// sendOldstyleInfo answers an optExportName, which skips the info
// replies and goes straight to transmission.
func (c *conn) sendOldstyleInfo() error {
	if err := binary.Write(c.c, binary.BigEndian, uint64(c.dev.Size())); err != nil {
		return err
	}
	if err := binary.Write(c.c, binary.BigEndian, transmissionFlags(c.dev, c.opts.ReadOnly)); err != nil {
		return err
	}
	if !c.noZeroes {
		var pad [124]byte
		if _, err := c.c.Write(pad[:]); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) transmit() error {
	for {
		var req requestHeader
		if err := binary.Read(c.c, binary.BigEndian, &req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if req.Magic != magicRequest {
			return fmt.Errorf("bad request magic %#x", req.Magic)
		}

		off := int64(req.Offset)
		length := int64(req.Length)

		switch req.Type {
		case cmdRead:
			if length > c.dev.MaxRequest() {
				if err := c.reply(req.Handle, uint32(syscall.EINVAL)); err != nil {
					return err
				}
				continue
			}
			buf := make([]byte, req.Length)
			if _, err := c.dev.ReadAt(buf, off); err != nil {
				if err := c.reply(req.Handle, nbdErrno(err)); err != nil {
					return err
				}
				continue
			}
			if err := c.reply(req.Handle, 0); err != nil {
				return err
			}
			if _, err := c.c.Write(buf); err != nil {
				return err
			}

		case cmdWrite:
			if length > c.dev.MaxRequest() {
				// Drain the payload to keep the stream in
				// sync before refusing.
				if _, err := io.CopyN(io.Discard, c.c, length); err != nil {
					return err
				}
				if err := c.reply(req.Handle, uint32(syscall.EINVAL)); err != nil {
					return err
				}
				continue
			}
			buf := make([]byte, req.Length)
			if _, err := io.ReadFull(c.c, buf); err != nil {
				return err
			}
			if c.opts.ReadOnly {
				if err := c.reply(req.Handle, uint32(syscall.EPERM)); err != nil {
					return err
				}
				continue
			}
			_, err := c.dev.WriteAt(buf, off)
			if err := c.reply(req.Handle, nbdErrno(err)); err != nil {
				return err
			}

		case cmdTrim, cmdWriteZeroes:
			if c.opts.ReadOnly {
				if err := c.reply(req.Handle, uint32(syscall.EPERM)); err != nil {
					return err
				}
				continue
			}
			var err error
			if req.Type == cmdTrim {
				err = c.dev.Trim(off, length)
			} else {
				err = c.dev.Zero(off, length)
			}
			if err := c.reply(req.Handle, nbdErrno(err)); err != nil {
				return err
			}

		case cmdFlush:
			if err := c.reply(req.Handle, nbdErrno(c.dev.Sync())); err != nil {
				return err
			}

		case cmdCache:
			if err := c.reply(req.Handle, nbdErrno(c.dev.Preload(off, length))); err != nil {
				return err
			}

		case cmdDisc:
			return nil

		default:
			if err := c.reply(req.Handle, uint32(syscall.EOPNOTSUPP)); err != nil {
				return err
			}
		}
	}
}

func (c *conn) reply(handle uint64, errno uint32) error {
	return binary.Write(c.c, binary.BigEndian, simpleReply{
		Magic:  magicSimpleReply,
		Error:  errno,
		Handle: handle,
	})
}

// nbdErrno maps a device error onto the error values the protocol
// defines. Anything outside that set degrades to EIO.
func nbdErrno(err error) uint32 {
	if err == nil {
		return 0
	}
	switch errno := store.Errno(err); errno {
	case syscall.EPERM, syscall.EIO, syscall.ENOMEM, syscall.EINVAL,
		syscall.ENOSPC, syscall.EOVERFLOW, syscall.EOPNOTSUPP, syscall.ESHUTDOWN:
		return uint32(errno)
	default:
		return uint32(syscall.EIO)
	}
}
