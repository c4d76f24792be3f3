package circuit

import (
	"github.com/epics-ca/cacircuit/framebuf"
	"github.com/epics-ca/cacircuit/wire"
)

func messageTotalSize(hdr wire.Header) uint32 {
	return uint32(hdr.EncodedSize()) + wire.PaddedLen(hdr.PayloadSize)
}

// stageLocked builds one wire message from hdr plus whatever
// writePayload appends, pads it to the alignment boundary, and commits
// it to the send queue through a Minder so a failure partway through
// writePayload never leaves a truncated frame staged. Caller must hold
// ci.mu and have already confirmed there is room for the message.
func (ci *Circuit) stageLocked(hdr wire.Header, writePayload func(fb *framebuf.FrameBuffer) error) error {
	if hdr.NeedsExtension() && !wire.SupportsLargePayload(ci.minorVersion) {
		return ErrUnsupportedByService
	}

	total := messageTotalSize(hdr)
	if total > ci.cfg.LargeBufferSize {
		return ErrBodyCacheTooSmall
	}

	minder := ci.sendQueue.BeginMessage(total, nil)
	defer minder.Rollback()
	fb := minder.FrameBuffer()

	var headerBuf [wire.HeaderSize + wire.ExtensionSize]byte
	n := hdr.Encode(headerBuf[:])
	if err := fb.PushBytes(headerBuf[:n]); err != nil {
		return err
	}
	if writePayload != nil {
		if err := writePayload(fb); err != nil {
			return err
		}
	}
	if pad := wire.PadLen(hdr.PayloadSize); pad > 0 {
		if err := fb.PushZeros(pad); err != nil {
			return err
		}
	}

	minder.Commit()
	ci.unackedSendBytes += total
	if ci.metrics != nil {
		ci.metrics.SetSendQueueBytes(ci.sendQueue.QueuedBytes())
		ci.metrics.SetUnackedSendBytes(ci.unackedSendBytes)
	}
	ci.pokeFlush()
	return nil
}

// stageHeaderOnlyLocked stages a zero-payload control message.
func (ci *Circuit) stageHeaderOnlyLocked(hdr wire.Header) error {
	return ci.stageLocked(hdr, nil)
}

// stageAppOp is the common entry path for every public staging
// operation below: confirm connected, wait for send-queue room under
// cfg.FlushBlockWait, then stage under ci.mu.
func (ci *Circuit) stageAppOp(hdr wire.Header, writePayload func(fb *framebuf.FrameBuffer) error) error {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	if ci.state != StateConnected {
		return ErrNotConnected
	}

	total := messageTotalSize(hdr)
	if !ci.waitForSendRoomLocked(total, ci.cfg.FlushBlockWait) {
		return ErrNotConnected
	}

	return ci.stageLocked(hdr, writePayload)
}

// Write stages a no-reply WRITE request.
func (ci *Circuit) Write(cid, sid uint32, dataType uint16, count uint32, data []byte) error {
	hdr := wire.Header{
		Command:      wire.Write,
		PayloadSize:  uint32(len(data)),
		DataType:     dataType,
		ElementCount: count,
		Parameter1:   sid,
		Parameter2:   cid,
	}
	return ci.stageAppOp(hdr, func(fb *framebuf.FrameBuffer) error {
		return fb.PushBytes(data)
	})
}

// WriteNotify stages a WRITE_NOTIFY request; ioid is caller-supplied
// since the pending-request registry that would otherwise generate one
// is out of scope here.
func (ci *Circuit) WriteNotify(sid, ioid uint32, dataType uint16, count uint32, data []byte) error {
	if !wire.SupportsWriteNotify(ci.MinorVersion()) {
		return ErrUnsupportedByService
	}
	hdr := wire.Header{
		Command:      wire.WriteNotify,
		PayloadSize:  uint32(len(data)),
		DataType:     dataType,
		ElementCount: count,
		Parameter1:   sid,
		Parameter2:   ioid,
	}
	return ci.stageAppOp(hdr, func(fb *framebuf.FrameBuffer) error {
		return fb.PushBytes(data)
	})
}

// ReadNotify stages a READ_NOTIFY request. cid identifies the channel
// whose native type/count bound the request (§4.7): the type must be a
// defined DBR_ type and, when cid is installed on this circuit, count
// must not exceed the channel's native element count, or the request
// never reaches the send queue. For a cid not installed here the count
// is not checked.
func (ci *Circuit) ReadNotify(cid, sid, ioid uint32, dataType uint16, count uint32) error {
	if !wire.IsValidDataType(dataType) {
		return ErrBadType
	}

	ci.mu.Lock()
	cb, ok := ci.channels[cid]
	ci.mu.Unlock()
	if ok && count > cb.NativeCount {
		return ErrOutOfBounds
	}

	hdr := wire.Header{
		Command:      wire.ReadNotify,
		PayloadSize:  0,
		DataType:     dataType,
		ElementCount: count,
		Parameter1:   sid,
		Parameter2:   ioid,
	}
	return ci.stageAppOp(hdr, nil)
}

// SubscriptionAdd stages an EVENT_ADD (monitor subscribe) request.
func (ci *Circuit) SubscriptionAdd(sid, subid uint32, dataType uint16, count uint32, mask uint16) error {
	hdr := wire.Header{
		Command:      wire.EventAdd,
		PayloadSize:  16,
		DataType:     dataType,
		ElementCount: count,
		Parameter1:   sid,
		Parameter2:   subid,
	}
	return ci.stageAppOp(hdr, func(fb *framebuf.FrameBuffer) error {
		if err := fb.PushF32(0); err != nil { // low
			return err
		}
		if err := fb.PushF32(0); err != nil { // high
			return err
		}
		if err := fb.PushF32(0); err != nil { // to
			return err
		}
		if err := fb.PushU16(mask); err != nil {
			return err
		}
		return fb.PushU16(0) // padding, matches the original's reserved trailing short
	})
}

// SubscriptionCancel stages an EVENT_CANCEL (monitor unsubscribe) request.
func (ci *Circuit) SubscriptionCancel(sid, subid uint32, dataType uint16, count uint32) error {
	hdr := wire.Header{
		Command:      wire.EventCancel,
		PayloadSize:  0,
		DataType:     dataType,
		ElementCount: count,
		Parameter1:   sid,
		Parameter2:   subid,
	}
	return ci.stageAppOp(hdr, nil)
}

// buildCreateChanFrame returns the CREATE_CHAN header and encoded name
// payload shared by CreateChan and InstallChannel. Per spec.md §4.7,
// Parameter1 carries the client id once the peer has negotiated v4.4
// or later (wire.SupportsCidInCreateChan) and the server id otherwise
// — sid is meaningless for CreateChan's not-yet-resolved case, so
// callers that don't have one yet pass 0.
func buildCreateChanFrame(negotiatedMinor, ourMinor uint16, cid, sid uint32, name string) (wire.Header, []byte) {
	identity := sid
	if wire.SupportsCidInCreateChan(negotiatedMinor) {
		identity = cid
	}

	nameLen := uint32(len(name)) + 1
	payload := make([]byte, wire.PaddedLen(nameLen))
	wire.EncodeString(payload, name)

	hdr := wire.Header{
		Command:      wire.CreateChan,
		PayloadSize:  wire.PaddedLen(nameLen),
		DataType:     0,
		ElementCount: 0,
		Parameter1:   identity,
		Parameter2:   uint32(ourMinor),
	}
	return hdr, payload
}

// CreateChan stages a CREATE_CHAN request for a not-yet-resolved
// channel. The server's eventual reply carries the sid and native
// type/count the collaborator uses to call InstallChannel.
func (ci *Circuit) CreateChan(cid uint32, name string) error {
	hdr, payload := buildCreateChanFrame(ci.MinorVersion(), ci.cfg.MinorVersion, cid, 0, name)
	return ci.stageAppOp(hdr, func(fb *framebuf.FrameBuffer) error {
		return fb.PushBytes(payload)
	})
}

// EventsOn stages an EVENTS_ON request, resuming monitor delivery
// across the whole circuit after a prior EventsOff.
func (ci *Circuit) EventsOn() error {
	hdr := wire.Header{Command: wire.EventsOn}
	return ci.stageAppOp(hdr, nil)
}

// EventsOff stages an EVENTS_OFF request, pausing monitor delivery
// across the whole circuit.
func (ci *Circuit) EventsOff() error {
	hdr := wire.Header{Command: wire.EventsOff}
	return ci.stageAppOp(hdr, nil)
}

// Echo stages an ECHO request used to probe liveness outside the
// normal watchdog cadence, e.g. from a user-initiated ping.
func (ci *Circuit) Echo() error {
	if !wire.SupportsEcho(ci.MinorVersion()) {
		return ErrUnsupportedByService
	}
	hdr := wire.Header{Command: wire.Echo}
	return ci.stageAppOp(hdr, nil)
}
