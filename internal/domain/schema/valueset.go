package schema

import (
	"encoding/json"
	"fmt"

	"github.com/gofhir/fhir/r4"
)

// decodeValueSet reads a FHIR R4 ValueSet resource and maps each concept code
// to its display. Expansion entries, nested ones included, are read after the
// compose concepts and win on conflict.
func decodeValueSet(body []byte) (map[string]string, error) {
	var vs r4.ValueSet
	if err := json.Unmarshal(body, &vs); err != nil {
		return nil, fmt.Errorf("parsing ValueSet: %w", err)
	}
	concepts := make(map[string]string)
	if vs.Compose != nil {
		for i := range vs.Compose.Include {
			include := &vs.Compose.Include[i]
			for j := range include.Concept {
				c := &include.Concept[j]
				if c.Code == nil || c.Display == nil {
					continue
				}
				concepts[*c.Code] = *c.Display
			}
		}
	}
	if vs.Expansion != nil {
		for i := range vs.Expansion.Contains {
			addContains(&vs.Expansion.Contains[i], concepts)
		}
	}
	if len(concepts) == 0 {
		return nil, fmt.Errorf("ValueSet defines no concepts with a display")
	}
	return concepts, nil
}

func addContains(c *r4.ValueSetExpansionContains, concepts map[string]string) {
	if c.Code != nil && c.Display != nil {
		concepts[*c.Code] = *c.Display
	}
	for i := range c.Contains {
		addContains(&c.Contains[i], concepts)
	}
}
