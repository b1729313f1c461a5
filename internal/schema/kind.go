package schema

import (
	"regexp"

	"github.com/roach88/memsync/internal/record"
)

// Kind describes one entity type.
type Kind struct {
	Name string `json:"-"`

	// Collection is the API path segment and the push-event entity name
	// in plural form (members, invoices, ...).
	Collection string `json:"collection"`

	// IDField holds the authoritative persistence identifier.
	IDField string `json:"id_field"`

	// BusinessKey is the human-facing reference field, if any.
	BusinessKey string `json:"business_key,omitempty"`

	// BusinessPattern matches business references so they can be refused
	// where a persistence id is required.
	BusinessPattern string `json:"business_pattern,omitempty"`

	// NaturalKeys must all be present and equal for the identity fallback.
	NaturalKeys []string `json:"natural_keys,omitempty"`

	Required []string `json:"required,omitempty"`

	// Counter names an aggregate count maintained alongside the collection.
	Counter string `json:"counter,omitempty"`

	StatusField     string `json:"status_field,omitempty"`
	InvoiceRefField string `json:"invoice_ref_field,omitempty"`

	businessRe *regexp.Regexp
}

// ID returns the authoritative id carried by obj.
func (k *Kind) ID(obj record.Object) (string, bool) {
	return obj.Text(k.IDField)
}

// Business returns the business reference carried by obj.
func (k *Kind) Business(obj record.Object) (string, bool) {
	if k.BusinessKey == "" {
		return "", false
	}
	return obj.Text(k.BusinessKey)
}

// LooksLikeBusinessRef reports whether id has the shape of a business
// reference (e.g. "INV-2024-0042") rather than a persistence id.
func (k *Kind) LooksLikeBusinessRef(id string) bool {
	return k.businessRe != nil && k.businessRe.MatchString(id)
}

// MissingRequired lists the required fields absent (or null or empty) in obj.
func (k *Kind) MissingRequired(obj record.Object) []string {
	var missing []string
	for _, f := range k.Required {
		v, ok := obj.Get(f)
		if !ok {
			missing = append(missing, f)
			continue
		}
		switch val := v.(type) {
		case record.Null:
			missing = append(missing, f)
		case record.String:
			if val == "" {
				missing = append(missing, f)
			}
		}
	}
	return missing
}
