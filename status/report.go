package status

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf16"
)

var (
	// ErrMalformedBatch means the body is not {"statuses": [...]}.
	ErrMalformedBatch = errors.New("invalid payload: expected { statuses: [...] }")
	// ErrTooManyItems means the batch exceeds MaxBatchItems.
	ErrTooManyItems = fmt.Errorf("too many devices (max %d)", MaxBatchItems)
)

// Report is one structurally valid status item with latency already rounded.
type Report struct {
	Name    string
	Host    string
	Alive   bool
	Latency *int
}

// Batch is the result of parsing an ingestion body.
type Batch struct {
	Reports  []Report
	Received int
}

// Skipped returns how many items failed validation.
func (b Batch) Skipped() int {
	return b.Received - len(b.Reports)
}

// rawItem keeps every field as raw JSON so types can be checked strictly;
// encoding/json would otherwise accept null for a string or bool.
type rawItem struct {
	Name    json.RawMessage `json:"name"`
	Host    json.RawMessage `json:"host"`
	Alive   json.RawMessage `json:"alive"`
	Latency json.RawMessage `json:"latency"`
}

// ParseBatch decodes {"statuses": [...]}. A malformed envelope or an
// oversized array rejects the whole batch; individual items that fail
// validation are dropped and only counted in Received.
func ParseBatch(body []byte) (Batch, error) {
	var envelope struct {
		Statuses json.RawMessage `json:"statuses"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Batch{}, ErrMalformedBatch
	}
	if !isArray(envelope.Statuses) {
		return Batch{}, ErrMalformedBatch
	}
	var items []json.RawMessage
	if err := json.Unmarshal(envelope.Statuses, &items); err != nil {
		return Batch{}, ErrMalformedBatch
	}
	if len(items) > MaxBatchItems {
		return Batch{}, ErrTooManyItems
	}

	batch := Batch{Received: len(items)}
	for _, raw := range items {
		if r, ok := parseItem(raw); ok {
			batch.Reports = append(batch.Reports, r)
		}
	}
	return batch, nil
}

// textLen measures s in UTF-16 code units, the unit browsers and the
// dashboard use for string length. Characters outside the BMP count twice.
func textLen(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

func parseItem(raw json.RawMessage) (Report, bool) {
	if !isObject(raw) {
		return Report{}, false
	}
	var item rawItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return Report{}, false
	}

	var r Report
	if !decodeStrict(item.Name, &r.Name) || textLen(r.Name) > MaxNameLen {
		return Report{}, false
	}
	if !decodeStrict(item.Host, &r.Host) || textLen(r.Host) > MaxHostLen {
		return Report{}, false
	}
	if !decodeStrict(item.Alive, &r.Alive) {
		return Report{}, false
	}
	if !isNull(item.Latency) {
		var latency float64
		if !decodeStrict(item.Latency, &latency) {
			return Report{}, false
		}
		if math.IsNaN(latency) || latency < 0 || latency > MaxLatency {
			return Report{}, false
		}
		rounded := int(math.Round(latency))
		r.Latency = &rounded
	}
	return r, true
}

// decodeStrict unmarshals a present, non-null value into dst.
func decodeStrict(raw json.RawMessage, dst any) bool {
	if isNull(raw) {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
