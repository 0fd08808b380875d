// Package config holds device session settings.
//
// Settings come from Default, optionally overlaid by a key = value file read
// with Load. Lines starting with '#' are comments. Sizes accept K, M and G
// suffixes (powers of 1024).
package config

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/alloc"
	"github.com/sbl8/tessera/core"
)

// DeviceConfig describes one device session.
type DeviceConfig struct {
	GridRows      int
	GridCols      int
	DRAMBanks     int
	DRAMBankSize  uint32
	L1Size        uint32
	L1Reserved    uint32
	Alignment     uint32
	ClockHz       uint64
	PlanCacheSize int
}

// Default returns a small grid suitable for the simulated device.
func Default() DeviceConfig {
	return DeviceConfig{
		GridRows:      4,
		GridCols:      4,
		DRAMBanks:     8,
		DRAMBankSize:  128 << 20,
		L1Size:        1 << 20,
		L1Reserved:    100 << 10,
		Alignment:     core.DefaultAlignment,
		ClockHz:       1_200_000_000,
		PlanCacheSize: 64,
	}
}

// Validate rejects configurations no device session can use.
func (c DeviceConfig) Validate() error {
	switch {
	case c.GridRows <= 0 || c.GridCols <= 0:
		return errors.Errorf("grid %dx%d must be positive", c.GridCols, c.GridRows)
	case c.DRAMBanks <= 0:
		return errors.Errorf("dram_banks %d must be positive", c.DRAMBanks)
	case c.DRAMBankSize == 0 || c.L1Size == 0:
		return errors.New("bank sizes must be positive")
	case c.L1Reserved >= c.L1Size:
		return errors.Errorf("l1_reserved %d leaves nothing of l1_size %d", c.L1Reserved, c.L1Size)
	case !core.IsPowerOfTwo(int(c.Alignment)):
		return errors.Errorf("alignment %d is not a power of two", c.Alignment)
	case c.ClockHz == 0:
		return errors.New("clock_hz must be positive")
	case c.PlanCacheSize < 0:
		return errors.Errorf("plan_cache_size %d is negative", c.PlanCacheSize)
	}
	return nil
}

// AllocConfig returns the bank layout the allocator is built with.
func (c DeviceConfig) AllocConfig() alloc.Config {
	return alloc.Config{
		DRAMBanks:    c.DRAMBanks,
		DRAMBankSize: c.DRAMBankSize,
		GridCols:     c.GridCols,
		GridRows:     c.GridRows,
		L1Size:       c.L1Size,
		L1Reserved:   c.L1Reserved,
		Alignment:    c.Alignment,
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (DeviceConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return DeviceConfig{}, errors.Wrap(err, "open device config")
	}
	defer f.Close()

	cfg := Default()
	if err := Parse(f, &cfg); err != nil {
		return DeviceConfig{}, errors.WithMessage(err, path)
	}
	return cfg, cfg.Validate()
}

// Parse applies key = value lines from r onto cfg.
func Parse(r io.Reader, cfg *DeviceConfig) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return errors.Errorf("line %d: expected key = value", lineNum)
		}
		if err := cfg.Set(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return errors.WithMessagef(err, "line %d", lineNum)
		}
	}
	return scanner.Err()
}

// Set assigns one setting by its file key.
func (c *DeviceConfig) Set(key, value string) error {
	var err error
	switch key {
	case "grid_rows":
		c.GridRows, err = strconv.Atoi(value)
	case "grid_cols":
		c.GridCols, err = strconv.Atoi(value)
	case "dram_banks":
		c.DRAMBanks, err = strconv.Atoi(value)
	case "dram_bank_size":
		c.DRAMBankSize, err = parseSize(value)
	case "l1_size":
		c.L1Size, err = parseSize(value)
	case "l1_reserved":
		c.L1Reserved, err = parseSize(value)
	case "alignment":
		c.Alignment, err = parseSize(value)
	case "clock_hz":
		c.ClockHz, err = strconv.ParseUint(value, 10, 64)
	case "plan_cache_size":
		c.PlanCacheSize, err = strconv.Atoi(value)
	default:
		return errors.Errorf("unknown key %q", key)
	}
	if err != nil {
		return errors.Wrapf(err, "%s = %q", key, value)
	}
	return nil
}

func parseSize(s string) (uint32, error) {
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	if n*mult > 1<<32-1 {
		return 0, errors.Errorf("size %d exceeds 32-bit address space", n*mult)
	}
	return uint32(n * mult), nil
}
