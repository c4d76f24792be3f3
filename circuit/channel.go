package circuit

import (
	"github.com/epics-ca/cacircuit/framebuf"
	"github.com/epics-ca/cacircuit/wire"
)

// InstallChannel adds a channel the upper layer has already resolved a
// server-side identity for (the out-of-scope UDP search subsystem is
// responsible for producing cid/sid/nativeType/nativeCount/name before
// this call), then stages its CREATE_CHAN claim request and flushes
// (§4.5.1; grounded on the original's `tcpiiu::installChannel`, which
// adds the channel to its list, calls `chan.createChannelRequest()`,
// then `flushRequest()` in the same operation). A circuit arriving at
// connected with zero channels never happens through this path; it is
// the caller's signal that whatever brought the circuit up now has
// work for it.
func (ci *Circuit) InstallChannel(cid, sid uint32, nativeType uint16, nativeCount uint32, name string) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	ci.channels[cid] = &ChannelBinding{
		CID:         cid,
		SID:         sid,
		NativeType:  nativeType,
		NativeCount: nativeCount,
		Name:        name,
		Connected:   true,
	}

	hdr, payload := buildCreateChanFrame(ci.minorVersion, ci.cfg.MinorVersion, cid, sid, name)
	if err := ci.stageLocked(hdr, func(fb *framebuf.FrameBuffer) error {
		return fb.PushBytes(payload)
	}); err != nil {
		ci.diagf("create_chan staging failed for cid=%d: %v", cid, err)
	}
}

// ChannelCount reports how many channels are currently installed.
func (ci *Circuit) ChannelCount() int {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return len(ci.channels)
}

// Lookup returns the binding for cid, if installed.
func (ci *Circuit) Lookup(cid uint32) (ChannelBinding, bool) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	cb, ok := ci.channels[cid]
	if !ok {
		return ChannelBinding{}, false
	}
	return *cb, true
}

// RemoveChannel stages a CLEAR_CHANNEL request for cid, removes it from
// the channel list, and notifies the collaborator that this specific
// channel has disconnected (§4.5.1). If removing cid empties the
// channel list and the circuit is still connected, a clean shutdown is
// initiated automatically (§4.5.2) — an EPICS client circuit with no
// channels left to serve has no remaining purpose.
func (ci *Circuit) RemoveChannel(cid uint32) error {
	ci.mu.Lock()
	cb, ok := ci.channels[cid]
	if !ok {
		ci.mu.Unlock()
		return nil
	}
	delete(ci.channels, cid)
	empty := len(ci.channels) == 0
	wasConnected := ci.state == StateConnected

	err := ci.stageClearChannelLocked(cb.CID, cb.SID)
	if empty && wasConnected {
		ci.initiateCleanShutdownLocked()
	}
	ci.mu.Unlock()

	ci.collaborator.ChannelDisconnectNotify(ci, cid)
	return err
}

// RemoveAllChannels stages a CLEAR_CHANNEL request for every installed
// channel, notifies the collaborator of each, and initiates a clean
// shutdown once the list is empty — the bulk form RemoveChannel's
// auto-shutdown rule degenerates into when called one at a time.
func (ci *Circuit) RemoveAllChannels() {
	ci.mu.Lock()
	cids := make([]uint32, 0, len(ci.channels))
	for cid := range ci.channels {
		cids = append(cids, cid)
	}
	for _, cid := range cids {
		cb := ci.channels[cid]
		delete(ci.channels, cid)
		_ = ci.stageClearChannelLocked(cb.CID, cb.SID)
	}
	wasConnected := ci.state == StateConnected
	if wasConnected {
		ci.initiateCleanShutdownLocked()
	}
	ci.mu.Unlock()

	for _, cid := range cids {
		ci.collaborator.ChannelDisconnectNotify(ci, cid)
	}
}

// stageClearChannelLocked enqueues the CLEAR_CHANNEL frame for one
// channel. Caller must hold ci.mu.
func (ci *Circuit) stageClearChannelLocked(cid, sid uint32) error {
	if ci.state != StateConnected && ci.state != StateCleanShutdown {
		return ErrNotConnected
	}

	hdr := wire.Header{
		Command:      wire.ClearChannel,
		PayloadSize:  0,
		DataType:     0,
		ElementCount: 0,
		Parameter1:   sid,
		Parameter2:   cid,
	}
	return ci.stageHeaderOnlyLocked(hdr)
}
