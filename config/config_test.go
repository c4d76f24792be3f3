package config

import "testing"

func TestValidateRequiresAddressAndLogPrefix(t *testing.T) {
	c := &Config{}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing Address and LogPrefix")
	}

	c = &Config{Address: "127.0.0.1:5064"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing LogPrefix")
	}
}

func TestValidateNilReceiver(t *testing.T) {
	var c *Config
	if err := c.Validate(); err == nil {
		t.Fatal("expected error validating a nil config")
	}
}

func TestValidateAppliesDefaults(t *testing.T) {
	c := &Config{Address: "127.0.0.1:5064", LogPrefix: "test"}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() returned %v, want nil", err)
	}

	if c.WatchdogTimeout != WatchdogTimeout {
		t.Errorf("WatchdogTimeout = %v, want default %v", c.WatchdogTimeout, WatchdogTimeout)
	}
	if c.EarlyFlushThreshold != EarlyFlushThreshold {
		t.Errorf("EarlyFlushThreshold = %d, want default %d", c.EarlyFlushThreshold, EarlyFlushThreshold)
	}
	if c.FlushBlockThreshold != FlushBlockThreshold {
		t.Errorf("FlushBlockThreshold = %d, want default %d", c.FlushBlockThreshold, FlushBlockThreshold)
	}
	if c.SmallBufferSize != SmallBufferSize {
		t.Errorf("SmallBufferSize = %d, want default %d", c.SmallBufferSize, SmallBufferSize)
	}
	if c.LargeBufferSize != LargeBufferSize {
		t.Errorf("LargeBufferSize = %d, want default %d", c.LargeBufferSize, LargeBufferSize)
	}
	if c.MinorVersion != CurrentMinorVersion {
		t.Errorf("MinorVersion = %d, want default %d", c.MinorVersion, CurrentMinorVersion)
	}
}

func TestValidateRejectsInvertedFlushThresholds(t *testing.T) {
	c := &Config{
		Address:             "127.0.0.1:5064",
		LogPrefix:           "test",
		EarlyFlushThreshold: 100,
		FlushBlockThreshold: 50,
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when FlushBlockThreshold does not exceed EarlyFlushThreshold")
	}
}

func TestValidateRejectsInvertedBufferSizes(t *testing.T) {
	c := &Config{
		Address:         "127.0.0.1:5064",
		LogPrefix:       "test",
		SmallBufferSize: 1 << 20,
		LargeBufferSize: 1 << 10,
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when LargeBufferSize is smaller than SmallBufferSize")
	}
}

func TestValidatePreservesExplicitValues(t *testing.T) {
	c := &Config{
		Address:      "127.0.0.1:5064",
		LogPrefix:    "test",
		MinorVersion: 11,
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() returned %v, want nil", err)
	}
	if c.MinorVersion != 11 {
		t.Errorf("MinorVersion = %d, want explicit 11 to survive defaulting", c.MinorVersion)
	}
}
