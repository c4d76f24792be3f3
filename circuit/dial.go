package circuit

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/epics-ca/cacircuit/collab"
	"github.com/epics-ca/cacircuit/framebuf"
	"github.com/epics-ca/cacircuit/watchdog"
	"github.com/epics-ca/cacircuit/wire"
)

// Dial opens the TCP connection, stages the identity handshake
// (VERSION/HOST_NAME/CLIENT_NAME), and starts the send and receive
// engines. The circuit is usable for staging application messages as
// soon as Dial returns nil, though the peer's own VERSION reply may
// still be in flight.
func (ci *Circuit) Dial() error {
	conn, err := net.DialTimeout("tcp", ci.cfg.Address, ci.cfg.TcpDialTimeout)
	if err != nil {
		ci.connectFail()
		return fmt.Errorf("cacircuit: dial %s: %w", ci.cfg.Address, err)
	}

	ci.conn = conn
	ci.remoteAddr = conn.RemoteAddr().String()

	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			ci.diagf("failed setting TCP_NODELAY: %v", err)
		}
		if err := tc.SetKeepAlive(true); err != nil {
			ci.diagf("failed setting SO_KEEPALIVE: %v", err)
		}
		if sz, err := querySendBufferSize(tc); err != nil {
			ci.diagf("failed querying send buffer size: %v", err)
		} else {
			ci.sendBufferSize = sz
		}
	}

	ci.watchdogs = watchdog.NewPair(
		ci.logPrefix,
		ci.logDebug,
		ci.cfg.WatchdogTimeout,
		ci.onReceiveWatchdogFire,
		ci.onSendWatchdogFire,
	)

	ci.connectOK()

	if err := ci.stageHandshake(); err != nil {
		ci.diagf("failed staging handshake: %v", err)
	}

	go ci.runSendEngine()
	go ci.runReceiveEngine()

	// The send watchdog is armed only around each blocking write
	// (writeFrameBuffer), not here: it detects a single stalled send(2),
	// not circuit-wide idleness, which is the receive watchdog's job.
	ci.watchdogs.Receive.Arm()

	return nil
}

// querySendBufferSize reads (never sets) the socket's SO_SNDBUF, cached
// by the send engine's backlog heuristic (§4.3.1 in the spec this
// circuit implements).
func querySendBufferSize(tc *net.TCPConn) (uint32, error) {
	rc, err := tc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var size int
	var sockErr error
	if err := rc.Control(func(fd uintptr) {
		size, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	}); err != nil {
		return 0, err
	}
	if sockErr != nil {
		return 0, sockErr
	}
	return uint32(size), nil
}

// stageHandshake stages the three identity messages the original
// protocol expects immediately after connect: VERSION carries our
// priority and negotiated minor version; HOST_NAME/CLIENT_NAME are
// gated on peer support being assumed until the peer's own VERSION
// narrows minorVersion down, so they are staged optimistically at our
// own configured version and simply go unacknowledged against an old
// peer.
func (ci *Circuit) stageHandshake() error {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	versionHdr := wire.Header{
		Command:    wire.Version,
		Parameter1: uint32(ci.priority),
		Parameter2: uint32(ci.cfg.MinorVersion),
	}
	if err := ci.stageHeaderOnlyLocked(versionHdr); err != nil {
		return err
	}

	if wire.SupportsIdentityMessages(ci.cfg.MinorVersion) {
		hostName := ci.cfg.SelfHostName
		if hostName == "" {
			hostName = collab.LocalHostName()
		}
		if err := ci.stageIdentityLocked(wire.HostName, hostName); err != nil {
			return err
		}

		userName := ci.cfg.SelfUserName
		if userName != "" {
			if err := ci.stageIdentityLocked(wire.ClientName, userName); err != nil {
				return err
			}
		}
	}

	return nil
}

func (ci *Circuit) stageIdentityLocked(cmd wire.Command, value string) error {
	nameLen := uint32(len(value)) + 1
	hdr := wire.Header{
		Command:     cmd,
		PayloadSize: wire.PaddedLen(nameLen),
	}
	return ci.stageLocked(hdr, func(fb *framebuf.FrameBuffer) error {
		buf := make([]byte, wire.PaddedLen(nameLen))
		wire.EncodeString(buf, value)
		return fb.PushBytes(buf)
	})
}
