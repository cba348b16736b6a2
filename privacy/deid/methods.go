// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package deid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"time"
	"unicode"
)

// Suppressed is the sentinel written in place of values removed by the
// suppression and anonymity operators.
const Suppressed = "*SUPPRESSED*"

// hashLength is the number of hex characters kept from a SHA-256 digest.
const hashLength = 16

// HashValue returns the SHA-256 digest of the value, truncated to 16 hex
// characters.
func HashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:hashLength]
}

// MaskEmail keeps the first character of the local part and the full domain:
// "john.doe@example.com" becomes "j***@example.com". Values without an "@"
// are returned unchanged.
func MaskEmail(email string) string {
	at := strings.Index(email, "@")
	if email == "" || at < 0 {
		return email
	}
	local, domain := email[:at], email[at+1:]
	if local == "" {
		return "***@" + domain
	}
	return string([]rune(local)[0]) + "***@" + domain
}

// MaskPhone keeps the first three and last four digits: "13812345678"
// becomes "138****5678". Fewer than seven digits collapse to "***".
func MaskPhone(phone string) string {
	if phone == "" {
		return phone
	}
	var digits []rune
	for _, r := range phone {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) < 7 {
		return "***"
	}
	return string(digits[:3]) + "****" + string(digits[len(digits)-4:])
}

// MaskName keeps the first rune of each part. CJK names are masked whole
// ("张三" becomes "张*"); other names are masked per whitespace-separated part
// ("John Doe" becomes "J*** D**").
func MaskName(name string) string {
	if name == "" {
		return name
	}

	if containsCJK(name) {
		runes := []rune(name)
		if len(runes) < 2 {
			return "*"
		}
		return string(runes[0]) + strings.Repeat("*", len(runes)-1)
	}

	parts := strings.Fields(name)
	masked := make([]string, 0, len(parts))
	for _, part := range parts {
		runes := []rune(part)
		masked = append(masked, string(runes[0])+strings.Repeat("*", len(runes)-1))
	}
	return strings.Join(masked, " ")
}

func containsCJK(s string) bool {
	for _, r := range s {
		if r >= 0x4E00 && r <= 0x9FFF {
			return true
		}
	}
	return false
}

// GeneralizeAge buckets an age: GeneralizeAge(25, 10) returns "20-29".
func GeneralizeAge(age, bucketSize int) string {
	if bucketSize <= 0 {
		bucketSize = 10
	}
	lower := (age / bucketSize) * bucketSize
	return fmt.Sprintf("%d-%d", lower, lower+bucketSize-1)
}

// FormatPreservingEncrypt substitutes every digit of value through a
// permutation derived from key and value. The same (key, value) pair always
// produces the same output; non-digit characters pass through unchanged.
func FormatPreservingEncrypt(value, key string) string {
	keySum := sha256.Sum256([]byte(key))
	valSum := sha256.Sum256([]byte(value))

	var seed int64
	for i := 0; i < 8; i++ {
		seed = seed<<8 | int64(keySum[i]^valSum[i])
	}
	perm := rand.New(rand.NewSource(seed)).Perm(10)

	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(rune('0' + perm[r-'0']))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DateShift moves a date by a deterministic offset in [-maxDays, +maxDays]
// derived from the individual's identifier, so every date belonging to one
// individual shifts by the same amount and intervals between them survive.
func DateShift(date time.Time, individualID string, maxDays int) time.Time {
	if maxDays <= 0 {
		maxDays = 30
	}
	sum := sha256.Sum256([]byte(individualID))
	var n uint64
	for i := 0; i < 8; i++ {
		n = n<<8 | uint64(sum[i])
	}
	span := uint64(2*maxDays + 1)
	offset := int(n%span) - maxDays
	return date.AddDate(0, 0, offset)
}

// GeoLevel selects the granularity GeographicGeneralize keeps.
type GeoLevel string

const (
	GeoZip3    GeoLevel = "zip3"
	GeoZip5    GeoLevel = "zip5"
	GeoCity    GeoLevel = "city"
	GeoState   GeoLevel = "state"
	GeoCountry GeoLevel = "country"
)

// GeographicGeneralize coarsens a location value. Zip levels keep a digit
// prefix of a postal code ("100" + "**" for zip3). The address levels treat
// the value as comma-separated "street, city, state, country" components and
// keep the trailing components from the requested level outward.
func GeographicGeneralize(value string, level GeoLevel) string {
	switch level {
	case GeoZip3:
		digits := leadingDigits(value)
		if len(digits) < 3 {
			return Suppressed
		}
		return digits[:3] + "**"
	case GeoZip5:
		digits := leadingDigits(value)
		if len(digits) < 5 {
			return Suppressed
		}
		return digits[:5]
	case GeoCity, GeoState, GeoCountry:
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		keep := map[GeoLevel]int{GeoCity: 3, GeoState: 2, GeoCountry: 1}[level]
		if len(parts) > keep {
			parts = parts[len(parts)-keep:]
		}
		return strings.Join(parts, ", ")
	default:
		return Suppressed
	}
}

func leadingDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SuppressRareValues replaces every value occurring fewer than threshold
// times with the suppression sentinel. Order is preserved.
func SuppressRareValues(values []string, threshold int) []string {
	counts := make(map[string]int, len(values))
	for _, v := range values {
		counts[v]++
	}

	out := make([]string, len(values))
	for i, v := range values {
		if counts[v] < threshold {
			out[i] = Suppressed
		} else {
			out[i] = v
		}
	}
	return out
}
