// pkg/pii/json.go
package pii

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// ScrubJSON decodes a JSON document, scrubs it and re-encodes it. Numbers are
// kept as json.Number so their text survives unchanged. Object keys come out
// sorted, as encoding/json writes them.
func (c *Compiled) ScrubJSON(data []byte, opts ...Options) ([]byte, Report, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, Report{}, fmt.Errorf("decoding JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, Report{}, fmt.Errorf("decoding JSON: unexpected data after top-level value")
	}

	out, report := c.Scrub(doc, opts...)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, report, fmt.Errorf("encoding JSON: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), report, nil
}
