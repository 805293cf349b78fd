package extract

import "fmt"

// Candidate lists the rules that may fill a field, most specific first.
type Candidate struct {
	Name     string   `json:"name" yaml:"name"`
	Rules    []string `json:"rules" yaml:"rules"`
	Required bool     `json:"required,omitempty" yaml:"required"`
}

// Resolve builds a [Schema] from candidates by evaluating them against
// sample documents.
//
// For each candidate the first rule that matches at least half of the
// samples is chosen. If no rule reaches that bar, an optional field takes
// the rule with the most matches and is dropped when none matched at all; a
// required field fails the whole resolution.
func Resolve(samples []*Document, candidates []Candidate) (Schema, error) {
	if len(samples) == 0 {
		return Schema{}, fmt.Errorf("resolve: no sample documents")
	}

	var schema Schema
	for _, c := range candidates {
		rule, hits, err := bestRule(samples, c.Rules)
		if err != nil {
			return Schema{}, fmt.Errorf("field %q: %w", c.Name, err)
		}
		if hits*2 < len(samples) && c.Required {
			return Schema{}, fmt.Errorf("%w: %s matched %d of %d samples", ErrMissingField, c.Name, hits, len(samples))
		}
		if hits == 0 {
			continue
		}
		schema.Fields = append(schema.Fields, Field{Name: c.Name, Rule: rule, Required: c.Required})
	}

	if len(schema.Fields) == 0 {
		return Schema{}, ErrNoFields
	}
	return schema, nil
}

// bestRule returns the first rule matching at least half of the samples,
// or else the rule with the most matches.
func bestRule(samples []*Document, rules []string) (string, int, error) {
	var best string
	bestHits := 0
	for _, raw := range rules {
		r, err := Parse(raw)
		if err != nil {
			return "", 0, err
		}
		hits := 0
		for _, doc := range samples {
			if r(doc) != "" {
				hits++
			}
		}
		if hits*2 >= len(samples) && hits > 0 {
			return raw, hits, nil
		}
		if hits > bestHits {
			best, bestHits = raw, hits
		}
	}
	return best, bestHits, nil
}
