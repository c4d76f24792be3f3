package config

import (
	"fmt"
	"log"
	"time"
)

const (
	// defaults for when not provided in Config
	WatchdogTimeout      time.Duration = time.Second * 30
	FlushBlockWait       time.Duration = time.Second * 30
	EarlyFlushThreshold  uint32        = 1 << 13 // 8 KB
	FlushBlockThreshold  uint32        = 1 << 16 // 64 KB
	SmallBufferSize      uint32        = 1 << 14 // 16 KB, MAX_TCP in the original protocol
	LargeBufferSize      uint32        = 1 << 24 // 16 MB, EPICS_CA_MAX_ARRAY_BYTES-class ceiling
	ContiguousFullFrames uint16        = 16
	ContiguousFrameYield uint16        = 5
	CurrentMinorVersion  uint16        = 13
	ReconnectMinInterval time.Duration = time.Millisecond * 250
	ReconnectMaxInterval time.Duration = time.Second * 30
	TcpDialTimeout       time.Duration = time.Second * 3
)

// Config carries every tunable of a single client-side virtual circuit.
// A zero value for a numeric field means "use the package default".
type Config struct {
	Address  string
	Priority uint8

	SelfUserName string
	SelfHostName string

	MinorVersion uint16

	WatchdogTimeout     time.Duration
	FlushBlockWait      time.Duration
	EarlyFlushThreshold uint32
	FlushBlockThreshold uint32
	SmallBufferSize     uint32
	LargeBufferSize     uint32

	ContiguousFullFrames uint16
	ContiguousFrameYield uint16

	TcpDialTimeout time.Duration

	ReconnectMinInterval time.Duration
	ReconnectMaxInterval time.Duration

	LogPrefix string
	LogDebug  bool
}

func (c *Config) Validate() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Printf("%s", err.Error())
		return err
	}

	if c.Address == "" {
		err := fmt.Errorf("invalid Address=%s", c.Address)
		log.Printf("%s", err.Error())
		return err
	}

	if c.LogPrefix == "" {
		err := fmt.Errorf("invalid LogPrefix=%s", c.LogPrefix)
		log.Printf("%s", err.Error())
		return err
	}

	if c.WatchdogTimeout == 0 {
		c.WatchdogTimeout = WatchdogTimeout
	}
	if c.FlushBlockWait == 0 {
		c.FlushBlockWait = FlushBlockWait
	}
	if c.EarlyFlushThreshold == 0 {
		c.EarlyFlushThreshold = EarlyFlushThreshold
	}
	if c.FlushBlockThreshold == 0 {
		c.FlushBlockThreshold = FlushBlockThreshold
	}
	if c.FlushBlockThreshold <= c.EarlyFlushThreshold {
		err := fmt.Errorf(
			"FlushBlockThreshold=%d must exceed EarlyFlushThreshold=%d",
			c.FlushBlockThreshold,
			c.EarlyFlushThreshold,
		)
		log.Printf("%s", err.Error())
		return err
	}
	if c.SmallBufferSize == 0 {
		c.SmallBufferSize = SmallBufferSize
	}
	if c.LargeBufferSize == 0 {
		c.LargeBufferSize = LargeBufferSize
	}
	if c.LargeBufferSize < c.SmallBufferSize {
		err := fmt.Errorf(
			"LargeBufferSize=%d smaller than SmallBufferSize=%d",
			c.LargeBufferSize,
			c.SmallBufferSize,
		)
		log.Printf("%s", err.Error())
		return err
	}
	if c.ContiguousFullFrames == 0 {
		c.ContiguousFullFrames = ContiguousFullFrames
	}
	if c.ContiguousFrameYield == 0 {
		c.ContiguousFrameYield = ContiguousFrameYield
	}
	if c.MinorVersion == 0 {
		c.MinorVersion = CurrentMinorVersion
	}
	if c.TcpDialTimeout == 0 {
		c.TcpDialTimeout = TcpDialTimeout
	}
	if c.ReconnectMinInterval == 0 {
		c.ReconnectMinInterval = ReconnectMinInterval
	}
	if c.ReconnectMaxInterval == 0 {
		c.ReconnectMaxInterval = ReconnectMaxInterval
	}

	return nil
}
