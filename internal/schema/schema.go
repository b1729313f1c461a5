// Package schema loads the entity kind definitions the sync engine works with.
//
// Kinds are declared in CUE. The embedded default.cue describes the
// membership API (members, invoices, payments, donations, admins); a
// deployment can supply its own file with the same shape:
//
//	s, err := schema.LoadFile("entities.cue")
//	member, ok := s.Kind("member")
//
// Every entity is unified with #Entity, so a malformed file fails to load
// with a positioned CUE error.
package schema

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed default.cue
var defaultSource string

// Well-known kind names from the default schema.
const (
	Member   = "member"
	Invoice  = "invoice"
	Payment  = "payment"
	Donation = "donation"
	Admin    = "admin"
)

// Schema is an immutable, ordered set of entity kinds.
type Schema struct {
	kinds        []*Kind
	byName       map[string]*Kind
	byCollection map[string]*Kind
}

// Default returns the schema compiled from the embedded default.cue.
// It panics if the embedded source is invalid.
func Default() *Schema {
	s, err := Load("default.cue", defaultSource)
	if err != nil {
		panic(fmt.Sprintf("schema: embedded default.cue: %v", err))
	}
	return s
}

// DefaultSource returns the embedded CUE source, for `memsync validate --print`.
func DefaultSource() string {
	return defaultSource
}

// LoadFile compiles the CUE file at path together with #Entity.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Load(path, string(data))
}

// Load compiles src (named filename in error positions).
//
// If src does not declare #Entity, the embedded definition is applied to every
// entity so custom files only need to list them.
func Load(filename, src string) (*Schema, error) {
	ctx := cuecontext.New()

	v := ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	if !v.LookupPath(cue.ParsePath("entities")).Exists() {
		return nil, &LoadError{Field: "entities", Message: "entities is required", Pos: v.Pos()}
	}
	if !v.LookupPath(cue.ParsePath("#Entity")).Exists() {
		base := ctx.CompileString(defaultSource, cue.Filename("default.cue"))
		def := base.LookupPath(cue.ParsePath("#Entity"))
		v = v.FillPath(cue.MakePath(cue.Str("entities"), cue.AnyString), def)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	entities := v.LookupPath(cue.ParsePath("entities"))
	iter, err := entities.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	s := &Schema{
		byName:       make(map[string]*Kind),
		byCollection: make(map[string]*Kind),
	}
	for iter.Next() {
		kind, err := compileKind(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		if other, dup := s.byCollection[kind.Collection]; dup {
			return nil, &LoadError{
				Field:   "entities." + kind.Name + ".collection",
				Message: fmt.Sprintf("collection %q already used by %s", kind.Collection, other.Name),
				Pos:     iter.Value().Pos(),
			}
		}
		s.kinds = append(s.kinds, kind)
		s.byName[kind.Name] = kind
		s.byCollection[kind.Collection] = kind
	}

	if len(s.kinds) == 0 {
		return nil, &LoadError{Field: "entities", Message: "at least one entity is required", Pos: entities.Pos()}
	}
	return s, nil
}

func compileKind(name string, v cue.Value) (*Kind, error) {
	k := &Kind{Name: name}
	if err := v.Decode(k); err != nil {
		return nil, formatCUEError(err)
	}
	if k.IDField == "" {
		k.IDField = "_id"
	}

	if k.BusinessPattern != "" {
		re, err := regexp.Compile(k.BusinessPattern)
		if err != nil {
			return nil, &LoadError{
				Field:   "entities." + name + ".business_pattern",
				Message: err.Error(),
				Pos:     v.LookupPath(cue.ParsePath("business_pattern")).Pos(),
			}
		}
		k.businessRe = re
	}
	if k.BusinessKey == k.IDField && k.BusinessKey != "" {
		return nil, &LoadError{
			Field:   "entities." + name + ".business_key",
			Message: "business_key must differ from id_field",
			Pos:     v.Pos(),
		}
	}
	return k, nil
}

// Kind returns the kind named name.
func (s *Schema) Kind(name string) (*Kind, bool) {
	k, ok := s.byName[name]
	return k, ok
}

// ByCollection returns the kind stored in collection.
func (s *Schema) ByCollection(collection string) (*Kind, bool) {
	k, ok := s.byCollection[collection]
	return k, ok
}

// Kinds returns every kind in declaration order.
func (s *Schema) Kinds() []*Kind {
	out := make([]*Kind, len(s.kinds))
	copy(out, s.kinds)
	return out
}

// Names returns every kind name in declaration order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.kinds))
	for i, k := range s.kinds {
		names[i] = k.Name
	}
	return names
}

// LoadError is a schema error with its CUE source position.
type LoadError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &LoadError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
