package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// batchSegments are the file and batch envelope segments that wrap messages.
var batchSegments = map[string]bool{"FHS": true, "BHS": true, "BTS": true, "FTS": true}

// SplitBatch splits a payload that may contain several messages, optionally
// wrapped in FHS/BHS/BTS/FTS envelopes, into individual raw messages.
func SplitBatch(raw []byte) ([][]byte, error) {
	lines := splitSegments(string(raw))
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: batch is empty")
	}

	var (
		messages [][]byte
		current  []string
	)
	flush := func() {
		if len(current) > 0 {
			messages = append(messages, []byte(strings.Join(current, "\r")))
			current = nil
		}
	}

	for _, line := range lines {
		name := line[:min(3, len(line))]
		switch {
		case batchSegments[name]:
			flush()
		case name == "MSH":
			flush()
			current = append(current, line)
		default:
			if len(current) == 0 {
				return nil, fmt.Errorf("hl7v2: segment %s appears before any MSH", name)
			}
			current = append(current, line)
		}
	}
	flush()

	if len(messages) == 0 {
		return nil, fmt.Errorf("hl7v2: batch contains no messages")
	}
	return messages, nil
}

// BatchHeader carries the values written into BHS.
type BatchHeader struct {
	SendingApp   string
	ReceivingApp string
	CreatedAt    time.Time
}

// EncodeBatch wraps messages in a BHS/BTS envelope. The BTS segment carries
// the message count.
func EncodeBatch(messages [][]byte, h BatchHeader) []byte {
	ts := ""
	if !h.CreatedAt.IsZero() {
		ts = h.CreatedAt.UTC().Format("20060102150405")
	}
	lines := []string{fmt.Sprintf(`BHS|^~\&|%s||%s||%s`, Escape(h.SendingApp), Escape(h.ReceivingApp), ts)}
	for _, m := range messages {
		lines = append(lines, strings.TrimRight(string(m), "\r\n"))
	}
	lines = append(lines, fmt.Sprintf("BTS|%d", len(messages)))
	return []byte(strings.Join(lines, "\r"))
}
