// Package webhook receives external trade signals over HTTP, normalizes their
// loosely-typed payloads, deduplicates them within a sliding window, and
// persists them for the orchestrator.
//
// Incoming payloads come from many alerting tools and agree on almost
// nothing: the symbol may arrive as "ticker", the direction as "side",
// "trend", "bias" or "sentiment", the timeframe as "tf" or "interval", and
// values use a dozen vocabularies ("CALL", "bull", "up", ...). Normalization
// is a pure function from the raw payload to a canonical record, with an
// explicit error kind and field path on failure; nothing downstream ever
// probes the raw payload again.
package webhook

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// FieldError reports which canonical field could not be derived and why.
type FieldError struct {
	Field  string // canonical field name: "symbol", "direction", "timeframe", "timestamp"
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid payload: %s: %s", e.Field, e.Reason)
}

// Normalized is the canonical record produced from a raw webhook payload.
type Normalized struct {
	Symbol         string
	Direction      types.Direction
	Timeframe      string // e.g. "5m", "4h", "1d"
	EventTimestamp time.Time
	Fingerprint    string
	Raw            []byte
}

// symbolAliases, directionAliases, timeframeAliases list the accepted field
// names in priority order.
var (
	symbolAliases    = []string{"symbol", "ticker"}
	directionAliases = []string{"direction", "side", "trend", "bias", "sentiment"}
	timeframeAliases = []string{"timeframe", "tf", "interval", "period"}
	timestampAliases = []string{"timestamp", "time", "ts", "event_time"}
)

// directionVocab maps every accepted direction spelling to its canonical
// value. Lookup is case-insensitive.
var directionVocab = map[string]types.Direction{
	"long": types.Long, "call": types.Long, "buy": types.Long,
	"bull": types.Long, "bullish": types.Long, "up": types.Long,
	"short": types.Short, "put": types.Short, "sell": types.Short,
	"bear": types.Short, "bearish": types.Short, "down": types.Short,
}

var timeframePattern = regexp.MustCompile(`^(\d+)\s*([mhdw]?)$`)

// Normalize parses and validates a raw JSON payload. now supplies the
// timestamp fallback so callers (and tests) control the clock.
func Normalize(raw []byte, now time.Time) (*Normalized, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &FieldError{Field: "body", Reason: "not a JSON object"}
	}

	symbol, ok := firstString(payload, symbolAliases)
	if !ok {
		return nil, &FieldError{Field: "symbol", Reason: "missing"}
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if len(symbol) < 1 || len(symbol) > 20 {
		return nil, &FieldError{Field: "symbol", Reason: "length must be 1-20 characters"}
	}

	dirRaw, ok := firstString(payload, directionAliases)
	if !ok {
		return nil, &FieldError{Field: "direction", Reason: "missing"}
	}
	direction, ok := directionVocab[strings.ToLower(strings.TrimSpace(dirRaw))]
	if !ok {
		return nil, &FieldError{Field: "direction", Reason: fmt.Sprintf("unrecognized value %q", dirRaw)}
	}

	tfRaw, tfFound := firstValue(payload, timeframeAliases)
	if !tfFound {
		return nil, &FieldError{Field: "timeframe", Reason: "missing"}
	}
	timeframe, err := NormalizeTimeframe(tfRaw)
	if err != nil {
		return nil, err
	}

	ts := now.UTC()
	if tsRaw, found := firstValue(payload, timestampAliases); found {
		parsed, err := normalizeTimestamp(tsRaw)
		if err != nil {
			return nil, err
		}
		ts = parsed
	}

	return &Normalized{
		Symbol:         symbol,
		Direction:      direction,
		Timeframe:      timeframe,
		EventTimestamp: ts,
		Fingerprint:    types.SignalFingerprint(symbol, direction, timeframe, ts),
		Raw:            raw,
	}, nil
}

// NormalizeTimeframe canonicalizes a timeframe-like value to "<n><unit>".
// Accepted inputs: a number of minutes (JSON number or bare digits) or a
// string "N" followed by one of m/h/d/w. Bare digits are minutes.
func NormalizeTimeframe(v any) (string, error) {
	switch t := v.(type) {
	case float64:
		if t <= 0 || t != float64(int(t)) {
			return "", &FieldError{Field: "timeframe", Reason: "must be a positive whole number of minutes"}
		}
		return minutesToTimeframe(int(t)), nil
	case string:
		m := timeframePattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(t)))
		if m == nil {
			return "", &FieldError{Field: "timeframe", Reason: fmt.Sprintf("unrecognized value %q", t)}
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return "", &FieldError{Field: "timeframe", Reason: fmt.Sprintf("unrecognized value %q", t)}
		}
		unit := m[2]
		if unit == "" {
			return minutesToTimeframe(n), nil
		}
		return fmt.Sprintf("%d%s", n, unit), nil
	default:
		return "", &FieldError{Field: "timeframe", Reason: "must be a number or string"}
	}
}

// minutesToTimeframe renders a minute count in the largest clean unit, so
// payloads sending 60 and "1h" normalize identically.
func minutesToTimeframe(minutes int) string {
	switch {
	case minutes%10080 == 0:
		return fmt.Sprintf("%dw", minutes/10080)
	case minutes%1440 == 0:
		return fmt.Sprintf("%dd", minutes/1440)
	case minutes%60 == 0:
		return fmt.Sprintf("%dh", minutes/60)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

// normalizeTimestamp accepts epoch seconds or milliseconds (numbers below
// 10^12 are seconds) and RFC3339-ish strings.
func normalizeTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case float64:
		ms := int64(t)
		if ms < 1_000_000_000_000 {
			ms *= 1000
		}
		return time.UnixMilli(ms).UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), nil
			}
		}
		// Numeric string epochs show up from some alert tools.
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return normalizeTimestamp(float64(n))
		}
		return time.Time{}, &FieldError{Field: "timestamp", Reason: fmt.Sprintf("unrecognized value %q", t)}
	default:
		return time.Time{}, &FieldError{Field: "timestamp", Reason: "must be a number or string"}
	}
}

func firstString(payload map[string]any, aliases []string) (string, bool) {
	for _, key := range aliases {
		if v, ok := payload[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
	}
	return "", false
}

func firstValue(payload map[string]any, aliases []string) (any, bool) {
	for _, key := range aliases {
		if v, ok := payload[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}
