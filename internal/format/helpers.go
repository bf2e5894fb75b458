package format

import (
	"fmt"
	"strings"
	"time"
)

// ShortDigest trims "sha256:<64 hex>" to "sha256:<first 12 hex>".
func ShortDigest(d string) string {
	const keep = 12
	hexPart := strings.TrimPrefix(d, "sha256:")
	if len(hexPart) <= keep {
		return d
	}
	if hexPart == d {
		return hexPart[:keep]
	}
	return "sha256:" + hexPart[:keep]
}

// Timestamp formats t in UTC with millisecond precision.
func Timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// FmtDuration formats a duration as "Xm Ys", "Ys" or "Nms" below a second.
func FmtDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	s := int(d.Seconds())
	if s >= 60 {
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	}
	return fmt.Sprintf("%ds", s)
}

// Ratio formats an agreement count as "n/total".
func Ratio(n, total int) string { return fmt.Sprintf("%d/%d", n, total) }

// Truncate shortens s to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:max(maxLen, 0)])
	}
	return string(r[:maxLen-3]) + "..."
}

// BoolMark returns "✓" for true and "✗" for false.
func BoolMark(v bool) string {
	if v {
		return "✓"
	}
	return "✗"
}
