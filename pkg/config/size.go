package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// sizeUnits maps upper-cased unit suffixes to byte multipliers. Two-letter
// units are decimal; single letters and IEC units are binary.
var sizeUnits = map[string]int64{
	"B": 1, "BYTE": 1, "BYTES": 1,

	"KB": 1e3, "MB": 1e6, "GB": 1e9, "TB": 1e12, "PB": 1e15,

	"K": 1 << 10, "KIB": 1 << 10,
	"M": 1 << 20, "MIB": 1 << 20,
	"G": 1 << 30, "GIB": 1 << 30,
	"T": 1 << 40, "TIB": 1 << 40,
	"P": 1 << 50, "PIB": 1 << 50,
}

// ParseDataSize parses sizes like "512MB", "1.5TiB" or a plain byte count
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative size %d", n)
		}
		return n, nil
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '1GB', '512MB', '1.5TB')", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", m[1])
	}
	mult, ok := sizeUnits[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, TB, PB, KiB, MiB, GiB, TiB, PiB)", m[2])
	}

	n := int64(value * float64(mult))
	if n < 0 {
		return 0, fmt.Errorf("size overflow: %s", s)
	}
	return n, nil
}

// FormatDataSize renders bytes with binary units, e.g. "1.5 GB"
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KB", "MB", "GB", "TB", "PB"}
	value := float64(bytes) / 1024
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}

	switch {
	case value == float64(int64(value)):
		return fmt.Sprintf("%.0f %s", value, units[i])
	case value*10 == float64(int64(value*10)):
		return fmt.Sprintf("%.1f %s", value, units[i])
	}
	return fmt.Sprintf("%.2f %s", value, units[i])
}

// DataSize is a byte count that config files may write as a number or as a
// human-readable string
type DataSize int64

// Bytes returns the size as an int64
func (d DataSize) Bytes() int64 {
	return int64(d)
}

func (d DataSize) String() string {
	return FormatDataSize(int64(d))
}

func (d *DataSize) set(v interface{}) error {
	switch v := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = DataSize(v)
	case int:
		*d = DataSize(v)
	case int64:
		*d = DataSize(v)
	case string:
		n, err := ParseDataSize(v)
		if err != nil {
			return err
		}
		*d = DataSize(n)
	default:
		return fmt.Errorf("size must be a number or string, got %T", v)
	}
	return nil
}

// UnmarshalJSON accepts 1073741824 or "1GiB"
func (d *DataSize) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

// UnmarshalYAML accepts 1073741824 or "1GiB"
func (d *DataSize) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}
