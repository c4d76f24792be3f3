package circuit

import (
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/epics-ca/cacircuit/wire"
)

// parseAvailable drains as many complete frames as are currently
// buffered in recvQueue. The two sticky booleans (haveFixedHeader,
// haveFullHeader) and pendingHeader/discardRemaining let the function
// return the instant it runs out of bytes partway through a frame and
// resume exactly where it left off the next time more bytes arrive,
// without ever re-parsing a header twice.
func (ci *Circuit) parseAvailable() {
	for {
		if ci.discardRemaining > 0 {
			skipped := ci.recvQueue.SkipUpTo(ci.discardRemaining, ci.allocator.ReleaseSmallBuffer)
			ci.discardRemaining -= skipped
			if ci.discardRemaining > 0 {
				return
			}
			ci.mu.Lock()
			ci.discardingPendingData = false
			ci.mu.Unlock()
			ci.resetPendingHeader()
			continue
		}

		if !ci.haveFixedHeader {
			raw, ok := ci.recvQueue.CopyOutExact(wire.HeaderSize, ci.allocator.ReleaseSmallBuffer)
			if !ok {
				return
			}
			hdr, _, _ := wire.DecodeFixed(raw)
			ci.pendingHeader = hdr
			ci.haveFixedHeader = true
		}

		if ci.pendingHeader.NeedsExtension() && !ci.haveFullHeader {
			ext, ok := ci.recvQueue.CopyOutExact(wire.ExtensionSize, ci.allocator.ReleaseSmallBuffer)
			if !ok {
				return
			}
			wire.DecodeExtension(ext, &ci.pendingHeader)
		}
		ci.haveFullHeader = true

		payloadLen := wire.PaddedLen(ci.pendingHeader.PayloadSize)
		if payloadLen > ci.allocator.LargeBufferSize() {
			ci.discardRemaining = payloadLen
			ci.mu.Lock()
			ci.discardingPendingData = true
			ci.mu.Unlock()
			if ci.metrics != nil {
				ci.metrics.OversizeDropped()
			}
			continue
		}

		body, ok := ci.recvQueue.CopyOutExact(payloadLen, ci.allocator.ReleaseSmallBuffer)
		if !ok {
			return
		}

		hdr := ci.pendingHeader
		ci.resetPendingHeader()
		ci.dispatch(hdr, body[:hdr.PayloadSize])
	}
}

func (ci *Circuit) resetPendingHeader() {
	ci.haveFixedHeader = false
	ci.haveFullHeader = false
	ci.pendingHeader = wire.Header{}
}

// dispatch handles the circuit-internal commands itself (VERSION
// negotiation, ECHO liveness replies) and forwards everything else to
// the collaborator under callbackMu, per the callback-mutex-before-
// circuit-mutex lock order documented on Circuit.
func (ci *Circuit) dispatch(hdr wire.Header, body []byte) {
	switch hdr.Command {
	case wire.Version:
		ci.negotiateVersion(hdr)
		return
	case wire.Echo:
		ci.mu.Lock()
		ci.echoPending = false
		ci.mu.Unlock()
		if ci.watchdogs != nil {
			ci.watchdogs.Receive.Rearm()
		}
		return
	}

	ctx, span := ci.startSpan("cacircuit.dispatch")
	span.SetAttributes(attribute.String("ca.command", hdr.Command.String()))

	ci.callbackMu.Lock()
	ok := ci.collaborator.ExecuteResponse(ctx, ci, time.Now(), hdr, body)
	ci.callbackMu.Unlock()

	span.End()

	if !ok {
		ci.diagf("protocol violation dispatching %s, aborting circuit", hdr.Command)
		ci.initiateAbortShutdown()
	}
}

func (ci *Circuit) negotiateVersion(hdr wire.Header) {
	peerMinor := uint16(hdr.Parameter2)

	ci.mu.Lock()
	if peerMinor < ci.minorVersion {
		ci.minorVersion = peerMinor
	}
	negotiated := ci.minorVersion
	ci.mu.Unlock()

	ci.diagf("negotiated protocol minor version %d", negotiated)
}
