package fhir

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// maxLine bounds a single NDJSON line. Lab bundles with embedded attachments
// can be large.
const maxLine = 16 << 20

// NDJSONWriter writes one JSON document per line.
type NDJSONWriter struct {
	w *bufio.Writer
}

// NewNDJSONWriter creates a new NDJSONWriter that writes to w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{w: bufio.NewWriter(w)}
}

// WriteResource serialises resource as a single JSON line.
func (n *NDJSONWriter) WriteResource(resource interface{}) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	if _, err := n.w.Write(data); err != nil {
		return err
	}
	return n.w.WriteByte('\n')
}

// Flush flushes any buffered data to the underlying writer.
func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}

// ReadNDJSON decodes every non-blank line of r as a JSON object. Numbers are
// kept as json.Number so values are written back exactly as received.
func ReadNDJSON(r io.Reader) ([]map[string]interface{}, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	var out []map[string]interface{}
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		doc, err := DecodeResource(raw)
		if err != nil {
			return nil, fmt.Errorf("ndjson line %d: %w", line, err)
		}
		out = append(out, doc)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ndjson: %w", err)
	}
	return out, nil
}

// EncodeNDJSON renders docs one per line.
func EncodeNDJSON(docs []map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf)
	for _, d := range docs {
		if err := w.WriteResource(d); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeResource decodes a single JSON object that must carry a
// resourceType.
func DecodeResource(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if resourceType(doc) == "" {
		return nil, fmt.Errorf("missing resourceType")
	}
	return doc, nil
}
