package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor is an opaque pagination token for cursor-based pagination.
type Cursor struct {
	// Seq is the write sequence of the last Change on the previous page.
	Seq int64 `json:"seq,omitempty"`
}

// Encode serializes the cursor to a base64-encoded string.
func (c *Cursor) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// DecodeCursor parses a base64-encoded cursor string. An empty string is the
// start of the stream.
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return &Cursor{}, nil
	}
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cursor: %w", err)
	}
	if c.Seq < 0 {
		return nil, fmt.Errorf("decode cursor: negative seq %d", c.Seq)
	}
	return &c, nil
}

// nextPage fills in the continuation cursor when a full page was read.
func nextPage(p *Page, lastSeq int64, limit int) error {
	if len(p.Changes) < limit {
		return nil
	}
	next := Cursor{Seq: lastSeq}
	encoded, err := next.Encode()
	if err != nil {
		return fmt.Errorf("encode next cursor: %w", err)
	}
	p.NextCursor = encoded
	p.HasMore = true
	return nil
}
