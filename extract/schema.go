package extract

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingField is returned by Apply when a required field is empty.
	ErrMissingField = errors.New("required field missing")

	// ErrNoFields is returned by Resolve when no field resolved to a rule.
	ErrNoFields = errors.New("no field resolved")
)

// Field names one output column and the rule that fills it.
type Field struct {
	Name     string `json:"name"`
	Rule     string `json:"rule"`
	Required bool   `json:"required,omitempty"`
}

// Schema is the shared extraction configuration of a run.
type Schema struct {
	Fields []Field `json:"fields"`

	// set by Prepare; stale if Fields is modified afterwards
	compiled *Compiled
}

// Compiled is a Schema whose rules have been parsed.
type Compiled struct {
	fields []Field
	rules  []Rule
}

// Compile parses every rule of s.
func (s Schema) Compile() (*Compiled, error) {
	c := &Compiled{
		fields: s.Fields,
		rules:  make([]Rule, len(s.Fields)),
	}
	for i, f := range s.Fields {
		r, err := Parse(f.Rule)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		c.rules[i] = r
	}
	return c, nil
}

// Prepare returns a copy of s that carries its compiled rules, so that
// [Schema.Compiled] does not reparse them.
func (s Schema) Prepare() (Schema, error) {
	c, err := s.Compile()
	if err != nil {
		return Schema{}, err
	}
	s.compiled = c
	return s, nil
}

// Compiled returns the rules attached by [Schema.Prepare], compiling them
// if s was not prepared.
func (s Schema) Compiled() (*Compiled, error) {
	if s.compiled != nil {
		return s.compiled, nil
	}
	return s.Compile()
}

// Apply evaluates every field against doc. Empty optional fields are
// omitted from the result; an empty required field fails with
// [ErrMissingField].
func (c *Compiled) Apply(doc *Document) (map[string]string, error) {
	out := make(map[string]string, len(c.fields))
	for i, f := range c.fields {
		v := c.rules[i](doc)
		if v == "" {
			if f.Required {
				return nil, fmt.Errorf("%w: %s", ErrMissingField, f.Name)
			}
			continue
		}
		out[f.Name] = v
	}
	return out, nil
}
