package config

import (
	"encoding/json/v2"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ByteSize is an int64 byte count that unmarshals from human-readable
// strings. Memory limits like max_hold_buffer accept "16MiB", "256kb", or a
// plain number of bytes.
type ByteSize int64

const (
	Byte ByteSize = 1
	KB   ByteSize = 1000
	KiB  ByteSize = 1024
	MB   ByteSize = 1000 * 1000
	MiB  ByteSize = 1024 * 1024
	GB   ByteSize = 1000 * 1000 * 1000
	GiB  ByteSize = 1024 * 1024 * 1024
)

// Int64 returns the byte size as an int64.
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String renders the size with the largest unit that divides it evenly,
// preferring IEC units, so a 16MiB hold buffer round-trips as "16MiB" rather
// than "16777216".
func (b ByteSize) String() string {
	for _, u := range []struct {
		size   ByteSize
		suffix string
	}{
		{GiB, "GiB"}, {MiB, "MiB"}, {KiB, "KiB"},
		{GB, "GB"}, {MB, "MB"}, {KB, "KB"},
	} {
		if b >= u.size && b%u.size == 0 {
			return fmt.Sprintf("%d%s", b/u.size, u.suffix)
		}
	}
	return fmt.Sprintf("%d", b)
}

func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Not a string; accept a bare number of bytes.
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("expected byte size string or number, got %s", string(data))
		}
		*b = ByteSize(n)
		return nil
	}

	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

var byteSizeRegex = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*(b|kb|kib|mb|mib|gb|gib|k|m|g)?$`)

var byteSizeUnits = map[string]ByteSize{
	"": Byte, "b": Byte,
	"k": KB, "kb": KB, "kib": KiB,
	"m": MB, "mb": MB, "mib": MiB,
	"g": GB, "gb": GB, "gib": GiB,
}

// ParseByteSize parses a human-readable byte size: "256", "256b", "256kb",
// "1MiB", "1m", and so on, case insensitive. IEC units (KiB, MiB, GiB) are
// powers of 1024; SI units (KB, MB, GB) are powers of 1000; a bare "k", "m",
// or "g" means the SI unit.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size string")
	}

	matches := byteSizeRegex.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid byte size %q: expected format like '256kb', '1MiB', or '1024'", s)
	}

	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	unit, ok := byteSizeUnits[strings.ToLower(matches[2])]
	if !ok {
		return 0, fmt.Errorf("invalid byte size unit %q", matches[2])
	}

	return ByteSize(num * float64(unit)), nil
}
