package fhir

import (
	"fmt"
	"sort"
	"strings"
)

// NewBundle returns an empty Bundle of the given type, e.g. "message".
func NewBundle(bundleType, id string) map[string]interface{} {
	b := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         bundleType,
		"entry":        []interface{}{},
	}
	if id != "" {
		b["id"] = id
	}
	return b
}

// Resources returns the entry resources of a Bundle in order.
func Resources(bundle map[string]interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	for _, e := range children([]interface{}{bundle}, "entry") {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if r, ok := entry["resource"].(map[string]interface{}); ok {
			out = append(out, r)
		}
	}
	return out
}

// ResourcesOfType returns the entry resources whose resourceType is rt.
func ResourcesOfType(bundle map[string]interface{}, rt string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, r := range Resources(bundle) {
		if resourceType(r) == rt {
			out = append(out, r)
		}
	}
	return out
}

// FindByReference locates the entry resource addressed by ref, matching the
// entry fullUrl or a Type/id suffix.
func FindByReference(bundle map[string]interface{}, ref string) map[string]interface{} {
	for _, e := range children([]interface{}{bundle}, "entry") {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		r, ok := entry["resource"].(map[string]interface{})
		if !ok {
			continue
		}
		if full, _ := entry["fullUrl"].(string); full != "" && full == ref {
			return r
		}
		id, _ := r["id"].(string)
		if id == "" {
			continue
		}
		local := resourceType(r) + "/" + id
		if ref == local || strings.HasSuffix(ref, "/"+local) {
			return r
		}
	}
	return nil
}

// FindOrCreate returns the ordinal-th resource of type rt in bundle,
// appending new entries until it exists. Created resources get the
// deterministic id "<type>-<ordinal>".
func FindOrCreate(bundle map[string]interface{}, rt string, ordinal int) (map[string]interface{}, bool) {
	existing := ResourcesOfType(bundle, rt)
	if ordinal < len(existing) {
		return existing[ordinal], false
	}
	entries, _ := bundle["entry"].([]interface{})
	var r map[string]interface{}
	for n := len(existing); n <= ordinal; n++ {
		id := fmt.Sprintf("%s-%d", strings.ToLower(rt), n+1)
		r = map[string]interface{}{"resourceType": rt, "id": id}
		entries = append(entries, map[string]interface{}{
			"fullUrl":  FormatReference(rt, id),
			"resource": r,
		})
	}
	bundle["entry"] = entries
	return r, true
}

// FormatReference builds a relative reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// DeepCopy copies a decoded JSON value so that mutations of the copy never
// reach the original.
func DeepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = DeepCopy(e)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, e := range t {
			s[i] = DeepCopy(e)
		}
		return s
	default:
		return v
	}
}

// CopyResource is DeepCopy for a resource map.
func CopyResource(r map[string]interface{}) map[string]interface{} {
	if r == nil {
		return nil
	}
	return DeepCopy(r).(map[string]interface{})
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
