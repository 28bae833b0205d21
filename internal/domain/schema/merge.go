package schema

// Merge overlays child on parent and returns a new schema. Neither input is
// modified.
//
// Elements are matched by name. A matched child element replaces the
// parent's discriminating fields (schema reference or value list) and every
// other field it sets, inheriting the rest. Unmatched parent elements keep
// their relative order; unmatched and unnamed child elements are appended.
// Constants are unioned with child precedence.
func Merge(parent, child *Schema) *Schema {
	out := parent.clone()
	out.Name = child.Name
	out.URI = child.URI
	out.Kind = child.Kind
	out.Extends = ""
	out.Constants = mergeConstants(parent.Constants, child.Constants)
	if child.HL7Type != "" {
		out.HL7Type = child.HL7Type
	}
	if child.HL7Version != "" {
		out.HL7Version = child.HL7Version
	}
	if child.FHIRVersion != "" {
		out.FHIRVersion = child.FHIRVersion
	}

	index := make(map[string]int, len(out.Elements))
	for i, e := range out.Elements {
		if e.Name == "" {
			continue
		}
		if _, dup := index[e.Name]; !dup {
			index[e.Name] = i
		}
	}
	for _, c := range child.Elements {
		if i, ok := index[c.Name]; ok && c.Name != "" {
			out.Elements[i] = mergeElement(out.Elements[i], c)
			continue
		}
		out.Elements = append(out.Elements, c.clone())
	}
	return out
}

func mergeElement(p, c *Element) *Element {
	out := p.clone()
	switch {
	case c.SchemaRef != "":
		out.SchemaRef = c.SchemaRef
		out.Schema = nil
		out.Value = nil
	case len(c.Value) > 0:
		out.Value = append(StringList(nil), c.Value...)
		out.SchemaRef = ""
		out.Schema = nil
	}
	if c.Condition != "" {
		out.Condition = c.Condition
	}
	if c.Required != nil {
		v := *c.Required
		out.Required = &v
	}
	if c.Resource != "" {
		out.Resource = c.Resource
	}
	if c.ResourceIndex != "" {
		out.ResourceIndex = c.ResourceIndex
	}
	if len(c.HL7Spec) > 0 {
		out.HL7Spec = append(StringList(nil), c.HL7Spec...)
	}
	if c.BundleProperty != "" {
		out.BundleProperty = c.BundleProperty
	}
	if c.Action != "" {
		out.Action = c.Action
	}
	if c.ValueSet != nil {
		out.ValueSet = c.ValueSet.clone()
	}
	if c.Debug != nil {
		v := *c.Debug
		out.Debug = &v
	}
	out.Constants = mergeConstants(p.Constants, c.Constants)
	return out
}

func mergeConstants(parent, child map[string]string) map[string]string {
	if len(parent) == 0 && len(child) == 0 {
		return nil
	}
	out := make(map[string]string, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, v := range child {
		out[k] = v
	}
	return out
}
