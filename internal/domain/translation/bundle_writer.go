package translation

import (
	"fmt"

	"github.com/ehr/labroute/internal/domain/schema"
	"github.com/ehr/labroute/internal/platform/fhir"
)

// bundleWriter writes leaf values at bundleProperty anchors of a FHIR
// bundle. Resources addressed by type are created on demand.
type bundleWriter struct {
	bundle map[string]interface{}
}

func (b *bundleWriter) target(w *walker, sc *scope, e *schema.Element) (map[string]interface{}, fhir.PropertyPath, error) {
	expanded, err := w.interpolate(sc, e.BundleProperty)
	if err != nil {
		return nil, nil, err
	}
	bp, err := schema.ParseBundleProperty(expanded)
	if err != nil {
		return nil, nil, err
	}
	if bp.ResourceType == "" {
		if sc.resource == nil {
			return nil, nil, fmt.Errorf("bundleProperty %s: no resource in focus", expanded)
		}
		return sc.resource, bp.Path, nil
	}
	r, _ := fhir.FindOrCreate(b.bundle, bp.ResourceType, bp.Ordinal)
	return r, bp.Path, nil
}

func (b *bundleWriter) write(w *walker, sc *scope, e *schema.Element, values []interface{}) error {
	r, p, err := b.target(w, sc, e)
	if err != nil {
		return err
	}
	if e.EffectiveAction() == schema.ActionAppend {
		for _, v := range values {
			if err := fhir.Write(r, p, fhir.DeepCopy(v), fhir.WriteAppend); err != nil {
				return err
			}
		}
		return nil
	}
	return fhir.Write(r, p, fhir.DeepCopy(values[0]), fhir.WriteSet)
}

func (b *bundleWriter) remove(w *walker, sc *scope, e *schema.Element) error {
	r, p, err := b.target(w, sc, e)
	if err != nil {
		return err
	}
	return fhir.Write(r, p, nil, fhir.WriteDelete)
}
