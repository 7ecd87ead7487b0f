package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/bankserver/internal/ir"
)

// marshalLegs converts transfer legs to JSON TEXT for storage.
// A check has no legs and stores "[]".
func marshalLegs(legs []ir.Leg) (string, error) {
	if len(legs) == 0 {
		return "[]", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(legs); err != nil {
		return "", fmt.Errorf("marshal legs: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalLegs parses JSON TEXT to legs. "[]" yields nil.
func unmarshalLegs(data string) ([]ir.Leg, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var legs []ir.Leg
	if err := json.Unmarshal([]byte(data), &legs); err != nil {
		return nil, fmt.Errorf("unmarshal legs: %w", err)
	}
	return legs, nil
}

// Timestamps are stored as unix microseconds, the resolution of outcome lines.
func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us) }

func parseRequestKind(s string) (ir.RequestKind, error) {
	switch s {
	case ir.KindCheck.String():
		return ir.KindCheck, nil
	case ir.KindTransfer.String():
		return ir.KindTransfer, nil
	default:
		return 0, fmt.Errorf("unknown request kind %q", s)
	}
}
