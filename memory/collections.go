package memory

import (
	"fmt"
	"time"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/memory/embed"
	"github.com/pomandi/mainstage/memory/store"
)

// MaxValueBytes bounds a single payload value.
const MaxValueBytes = 64 << 10

// Built-in collection names.
const (
	CollectionInvoices     = "invoices"
	CollectionSocialPosts  = "social_posts"
	CollectionAdReports    = "ad_reports"
	CollectionAgentContext = "agent_context"
)

// FieldType names a payload scalar type.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	// FieldDate accepts an ISO-8601 date or RFC 3339 timestamp string.
	FieldDate FieldType = "date"
)

// Schema declares the payload fields a collection accepts. Fields are
// optional unless the writer needs them; unknown fields are always
// rejected.
type Schema struct {
	Collection string
	Fields     map[string]FieldType
}

// Collections returns the platform's built-in collection schemas.
func Collections() map[string]Schema {
	return map[string]Schema{
		CollectionInvoices: {
			Collection: CollectionInvoices,
			Fields: map[string]FieldType{
				"invoice_id":  FieldInt,
				"vendor_name": FieldString,
				"amount":      FieldFloat,
				"date":        FieldDate,
				"description": FieldString,
				"file_path":   FieldString,
				"matched":     FieldBool,
				"created_at":  FieldDate,
			},
		},
		CollectionSocialPosts: {
			Collection: CollectionSocialPosts,
			Fields: map[string]FieldType{
				"post_id":          FieldString,
				"brand":            FieldString,
				"platform":         FieldString,
				"caption":          FieldString,
				"caption_language": FieldString,
				"quality_score":    FieldFloat,
				"decision":         FieldString,
				"published":        FieldBool,
				"published_at":     FieldDate,
				"engagement_rate":  FieldFloat,
				"photo_key":        FieldString,
				"content_hash":     FieldString,
				"created_at":       FieldDate,
			},
		},
		CollectionAdReports: {
			Collection: CollectionAdReports,
			Fields: map[string]FieldType{
				"campaign_id":   FieldString,
				"campaign_name": FieldString,
				"date":          FieldDate,
				"spend":         FieldFloat,
				"conversions":   FieldInt,
				"roas":          FieldFloat,
				"insights":      FieldString,
				"created_at":    FieldDate,
			},
		},
		CollectionAgentContext: {
			Collection: CollectionAgentContext,
			Fields: map[string]FieldType{
				"agent_name":     FieldString,
				"context_type":   FieldString,
				"content":        FieldString,
				"confidence":     FieldFloat,
				"transaction_id": FieldString,
				"timestamp":      FieldDate,
				"metadata":       FieldString,
			},
		},
	}
}

// Specs translates schemas into store collection declarations.
func Specs(schemas map[string]Schema) []store.CollectionSpec {
	specs := make([]store.CollectionSpec, 0, len(schemas))
	for name := range schemas {
		specs = append(specs, store.CollectionSpec{Name: name, Dim: embed.Dim})
	}
	return specs
}

// Validate checks metadata against the schema: unknown fields, type
// mismatches and oversized values are schema violations.
func (s Schema) Validate(metadata map[string]any) error {
	for field, value := range metadata {
		ft, ok := s.Fields[field]
		if !ok {
			return fault.Errorf(fault.SchemaViolation, "memory.validate",
				"collection %q: unknown field %q", s.Collection, field)
		}
		if err := checkFieldValue(ft, value); err != nil {
			return fault.Errorf(fault.SchemaViolation, "memory.validate",
				"collection %q: field %q: %v", s.Collection, field, err)
		}
	}
	return nil
}

func checkFieldValue(ft FieldType, value any) error {
	if s, ok := value.(string); ok && len(s) > MaxValueBytes {
		return fmt.Errorf("value exceeds %d bytes", MaxValueBytes)
	}
	switch ft {
	case FieldString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("want string, got %T", value)
		}
	case FieldBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("want bool, got %T", value)
		}
	case FieldFloat:
		if !isNumeric(value) {
			return fmt.Errorf("want number, got %T", value)
		}
	case FieldInt:
		if !isIntegral(value) {
			return fmt.Errorf("want integer, got %T", value)
		}
	case FieldDate:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("want date string, got %T", value)
		}
		if !isDate(s) {
			return fmt.Errorf("%q is not an ISO-8601 date or RFC 3339 timestamp", s)
		}
	default:
		return fmt.Errorf("unknown field type %q", ft)
	}
	return nil
}

func isNumeric(value any) bool {
	switch value.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

// isIntegral accepts Go integer types and whole-valued floats, since JSON
// decoding delivers every number as float64.
func isIntegral(value any) bool {
	switch v := value.(type) {
	case int, int32, int64:
		return true
	case float64:
		return v == float64(int64(v))
	case float32:
		return float64(v) == float64(int64(v))
	default:
		return false
	}
}

func isDate(s string) bool {
	if _, err := time.Parse("2006-01-02", s); err == nil {
		return true
	}
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}
