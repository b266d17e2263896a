package domain

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// EmbeddingDimensions is the fixed dimensionality of all stored vectors.
// The embedding endpoint is treated as an opaque function text -> [384]float32.
const EmbeddingDimensions = 384

// Recognized metadata keys. Anything else goes into the extension bag.
const (
	MetaKeySymbol    = "symbol"
	MetaKeySource    = "source"
	MetaKeyCategory  = "category"
	MetaKeyTimestamp = "timestamp"
)

// Metadata is the document metadata mapping: a small set of recognized,
// validated keys plus an open extension bag. It serializes to and from a
// single flat JSON object so the database column stays schema-free.
type Metadata struct {
	Symbol   string
	Source   string
	Category string
	Extra    map[string]interface{}
}

// MarshalJSON flattens recognized keys and the extension bag into one object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(m.Extra)+3)
	for k, v := range m.Extra {
		flat[k] = v
	}
	if m.Symbol != "" {
		flat[MetaKeySymbol] = m.Symbol
	}
	if m.Source != "" {
		flat[MetaKeySource] = m.Source
	}
	if m.Category != "" {
		flat[MetaKeyCategory] = m.Category
	}
	return json.Marshal(flat)
}

// UnmarshalJSON lifts recognized keys out of the flat object.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	flat := map[string]interface{}{}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	*m = Metadata{}
	if v, ok := flat[MetaKeySymbol].(string); ok {
		m.Symbol = v
		delete(flat, MetaKeySymbol)
	}
	if v, ok := flat[MetaKeySource].(string); ok {
		m.Source = v
		delete(flat, MetaKeySource)
	}
	if v, ok := flat[MetaKeyCategory].(string); ok {
		m.Category = v
		delete(flat, MetaKeyCategory)
	}
	if len(flat) > 0 {
		m.Extra = flat
	}
	return nil
}

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the metadata.
//   - error: non-nil if marshaling fails.
func (m Metadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = Metadata{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan Metadata")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, m)
}

// Merge overlays other onto m, later write wins per key. The receiver is not
// modified; the merged metadata is returned.
func (m Metadata) Merge(other Metadata) Metadata {
	out := Metadata{
		Symbol:   m.Symbol,
		Source:   m.Source,
		Category: m.Category,
	}
	if len(m.Extra) > 0 {
		out.Extra = make(map[string]interface{}, len(m.Extra)+len(other.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	if other.Symbol != "" {
		out.Symbol = other.Symbol
	}
	if other.Source != "" {
		out.Source = other.Source
	}
	if other.Category != "" {
		out.Category = other.Category
	}
	if len(other.Extra) > 0 {
		if out.Extra == nil {
			out.Extra = make(map[string]interface{}, len(other.Extra))
		}
		for k, v := range other.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Get returns the value for key, recognized or extension.
func (m Metadata) Get(key string) (interface{}, bool) {
	switch key {
	case MetaKeySymbol:
		if m.Symbol != "" {
			return m.Symbol, true
		}
		return nil, false
	case MetaKeySource:
		if m.Source != "" {
			return m.Source, true
		}
		return nil, false
	case MetaKeyCategory:
		if m.Category != "" {
			return m.Category, true
		}
		return nil, false
	default:
		v, ok := m.Extra[key]
		return v, ok
	}
}

// ContentHash returns the deduplication key for document text: the hex-encoded
// SHA-256 digest. Identity for deduplication is the text, never the row ID.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Document represents an ingested piece of financial content. The embedding
// lives in the vector index; the row keeps the text, metadata, and the content
// hash that makes re-ingestion idempotent. Rows are never hard-deleted by the
// pipeline.
type Document struct {
	ID          string    `gorm:"type:text;primaryKey" json:"id"`
	Text        string    `gorm:"type:text;not null" json:"text"`
	ContentHash string    `gorm:"type:text;not null;uniqueIndex:idx_documents_content_hash" json:"content_hash"`
	Metadata    Metadata  `gorm:"type:text" json:"metadata"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for Document.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Document) TableName() string {
	return "documents"
}

// DocumentMatch is a query result pairing a document with its similarity score.
type DocumentMatch struct {
	Document
	Score float32 `json:"score"`
}
