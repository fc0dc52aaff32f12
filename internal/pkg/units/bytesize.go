package units

import (
	"fmt"
	"strconv"
	"strings"
)

// Decimal size multipliers.
const (
	KB = 1000
	MB = 1000 * KB
	GB = 1000 * MB
	TB = 1000 * GB
	PB = 1000 * TB
)

var decimalAbbrs = []string{"B", "kB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}

var decimalMultipliers = map[byte]int64{
	'k': KB,
	'm': MB,
	'g': GB,
	't': TB,
	'p': PB,
}

// HumanSize returns size in a human readable form with up to 4 significant digits,
// for example "1.024kB" or "3.42GB".
func HumanSize(size float64) string {
	i := 0
	for size >= 1000 && i < len(decimalAbbrs)-1 {
		size /= 1000
		i++
	}

	return fmt.Sprintf("%.4g%s", size, decimalAbbrs[i])
}

// FromHumanSize parses human readable size, for example "10MB" or "32.5 kB",
// into number of bytes. A single space is allowed between number and suffix.
func FromHumanSize(size string) (int64, error) {
	sep := strings.LastIndexAny(size, "0123456789. ")
	if sep == -1 {
		return -1, fmt.Errorf("invalid size: %q", size)
	}

	num, sfx := size[:sep+1], size[sep+1:]
	if size[sep] == ' ' {
		num = size[:sep]
	}

	value, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return -1, fmt.Errorf("parse size number: %w", err)
	}
	if value < 0 {
		return -1, fmt.Errorf("invalid size: %q", size)
	}

	if sfx == "" {
		return int64(value), nil
	}
	if len(sfx) > 2 {
		return -1, fmt.Errorf("invalid suffix: %q", sfx)
	}

	sfx = strings.ToLower(sfx)
	if sfx == "b" {
		return int64(value), nil
	}

	mul, ok := decimalMultipliers[sfx[0]]
	if !ok || (len(sfx) == 2 && sfx[1] != 'b') {
		return -1, fmt.Errorf("invalid suffix: %q", sfx)
	}

	return int64(value * float64(mul)), nil
}
