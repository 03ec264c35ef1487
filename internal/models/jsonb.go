package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// NameMap maps account ids to display names, stored as jsonb.
type NameMap map[string]string

// Reactions maps account ids to a single emoji, stored as jsonb.
type Reactions map[string]string

// ReadReceipts maps account ids to the time they read a message, stored as jsonb.
type ReadReceipts map[string]time.Time

// Attachments is an ordered attachment list stored as jsonb.
type Attachments []Attachment

func (m NameMap) Value() (driver.Value, error) { return marshalJSONB(m) }
func (m *NameMap) Scan(src any) error { return unmarshalJSONB(src, m) }
func (m Reactions) Value() (driver.Value, error) { return marshalJSONB(m) }
func (m *Reactions) Scan(src any) error { return unmarshalJSONB(src, m) }
func (m ReadReceipts) Value() (driver.Value, error) { return marshalJSONB(m) }
func (m *ReadReceipts) Scan(src any) error { return unmarshalJSONB(src, m) }
func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return marshalJSONB(a)
}
func (a *Attachments) Scan(src any) error { return unmarshalJSONB(src, a) }

func marshalJSONB(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte("{}"), nil
	}
	return b, nil
}

func unmarshalJSONB(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported jsonb source %T", src)
	}
}
