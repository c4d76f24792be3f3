package circuit

import (
	"testing"

	"github.com/epics-ca/cacircuit/collab"
	"github.com/epics-ca/cacircuit/framebuf"
	"github.com/epics-ca/cacircuit/wire"
)

func pushFrame(ci *Circuit, hdr wire.Header, payload []byte) {
	total := hdr.EncodedSize() + int(wire.PaddedLen(hdr.PayloadSize))
	fb := framebuf.New(uint32(total))

	var headerBuf [wire.HeaderSize + wire.ExtensionSize]byte
	n := hdr.Encode(headerBuf[:])
	_ = fb.PushBytes(headerBuf[:n])
	if len(payload) > 0 {
		_ = fb.PushBytes(payload)
	}
	if pad := wire.PadLen(hdr.PayloadSize); pad > 0 {
		_ = fb.PushZeros(pad)
	}
	ci.recvQueue.Push(fb)
}

func TestParseAvailableDispatchesToCollaborator(t *testing.T) {
	fc := newFakeCollaborator()
	ci := newTestCircuit(fc)

	hdr := wire.Header{
		Command:      wire.CreateChan,
		PayloadSize:  0,
		Parameter1:   1,
		Parameter2:   13,
	}
	pushFrame(ci, hdr, nil)

	ci.parseAvailable()

	executed := fc.executedCommands()
	if len(executed) != 1 || executed[0].Command != wire.CreateChan {
		t.Fatalf("executed = %+v, want one CREATE_CHAN frame", executed)
	}
}

func TestParseAvailableHandlesVersionInternally(t *testing.T) {
	fc := newFakeCollaborator()
	ci := newTestCircuit(fc)
	ci.minorVersion = 13

	hdr := wire.Header{Command: wire.Version, Parameter2: 11}
	pushFrame(ci, hdr, nil)

	ci.parseAvailable()

	if len(fc.executedCommands()) != 0 {
		t.Fatal("VERSION should be handled internally, never forwarded to the collaborator")
	}
	if ci.MinorVersion() != 11 {
		t.Fatalf("MinorVersion() = %d, want negotiated down to 11", ci.MinorVersion())
	}
}

func TestParseAvailableHandlesEchoInternally(t *testing.T) {
	fc := newFakeCollaborator()
	ci := newTestCircuit(fc)
	ci.echoPending = true

	pushFrame(ci, wire.Header{Command: wire.Echo}, nil)
	ci.parseAvailable()

	if len(fc.executedCommands()) != 0 {
		t.Fatal("ECHO should be handled internally")
	}
	if ci.echoPending {
		t.Fatal("expected echoPending to clear on an echo reply")
	}
}

func TestParseAvailableStopsOnPartialHeader(t *testing.T) {
	fc := newFakeCollaborator()
	ci := newTestCircuit(fc)

	fb := framebuf.New(4)
	_ = fb.PushBytes([]byte{0x00, 0x12}) // half of a fixed header
	ci.recvQueue.Push(fb)

	ci.parseAvailable()

	if len(fc.executedCommands()) != 0 {
		t.Fatal("a partial header must not be dispatched")
	}
	if ci.haveFixedHeader {
		t.Fatal("expected haveFixedHeader to stay false until the full 16 bytes arrive")
	}
	if ci.recvQueue.Available() != 2 {
		t.Fatalf("Available() = %d, want the 2 partial bytes left untouched", ci.recvQueue.Available())
	}
}

func TestParseAvailableProtocolViolationAborts(t *testing.T) {
	fc := newFakeCollaborator()
	fc.executeResult = false
	ci := newTestCircuit(fc)

	ci.connectOK()
	closeEngineChannels(ci)

	pushFrame(ci, wire.Header{Command: wire.ReadNotify, Parameter1: 1, Parameter2: 2}, nil)
	ci.parseAvailable()

	waitForCondition(t, func() bool {
		return ci.State() == StateDisconnected
	})
}

func TestParseAvailableDiscardsOversizePayload(t *testing.T) {
	fc := newFakeCollaborator()
	cfg := testConfig()
	cfg.SmallBufferSize = 256
	cfg.LargeBufferSize = 1024
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	alloc := collab.NewPoolAllocator(cfg.SmallBufferSize, cfg.LargeBufferSize)
	ci, err := New(cfg, fc, alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	attachFakeConn(ci)

	oversize := ci.allocator.LargeBufferSize() + 8
	hdr := wire.Header{
		Command:      wire.Write,
		PayloadSize:  oversize,
		ElementCount: 1,
	}

	var headerBuf [wire.HeaderSize + wire.ExtensionSize]byte
	n := hdr.Encode(headerBuf[:])
	fb := framebuf.New(uint32(n))
	_ = fb.PushBytes(headerBuf[:n])
	ci.recvQueue.Push(fb)

	ci.parseAvailable()

	if ci.discardRemaining != wire.PaddedLen(oversize) {
		t.Fatalf("discardRemaining = %d, want %d queued for discard", ci.discardRemaining, wire.PaddedLen(oversize))
	}
	if len(fc.executedCommands()) != 0 {
		t.Fatal("an oversize payload must never reach the collaborator")
	}

	// feed the discarded bytes in two separate chunks, spanning reads
	half := ci.discardRemaining / 2
	junk := framebuf.New(half)
	_ = junk.PushZeros(half)
	ci.recvQueue.Push(junk)
	ci.parseAvailable()
	if ci.discardRemaining == 0 {
		t.Fatal("expected discardRemaining to still be nonzero after only half the junk arrived")
	}

	rest := ci.discardRemaining
	tail := framebuf.New(rest)
	_ = tail.PushZeros(rest)
	ci.recvQueue.Push(tail)
	ci.parseAvailable()
	if ci.discardRemaining != 0 {
		t.Fatalf("discardRemaining = %d, want 0 once all junk bytes arrived", ci.discardRemaining)
	}
}
