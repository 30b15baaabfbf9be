package pipeline

import (
	"strings"
	"time"

	"github.com/rpattn/tidyexport/internal/domain"
)

// LocalTimeLayout is the zone-less layout of the synthesized localTime field.
const LocalTimeLayout = "2006-01-02T15:04:05.000"

// addLocalTime derives localTime from time and timezoneOffset (minutes). The
// record is left alone when either input is missing or unusable.
func addLocalTime(rec domain.Record) {
	raw, ok := rec["time"].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	offset, ok := rec["timezoneOffset"].(float64)
	if !ok {
		return
	}
	utc, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return
	}
	shifted := utc.UTC().Add(time.Duration(offset * float64(time.Minute)))
	rec["localTime"] = shifted.Format(LocalTimeLayout)
}
