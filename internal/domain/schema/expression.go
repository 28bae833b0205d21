package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ehr/labroute/internal/platform/fhir"
	"github.com/ehr/labroute/internal/platform/hl7v2"
)

var placeholderPattern = regexp.MustCompile(`%\{([A-Za-z_][A-Za-z0-9_-]*)\}`)

// Interpolate replaces every %{name} in s with lookup(name). An unknown name
// is an error.
func Interpolate(s string, lookup func(name string) (string, bool)) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		v, ok := lookup(name)
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unknown variable %%{%s} in %q", strings.Join(missing, "}, %{"), s)
	}
	return out, nil
}

// zeroPlaceholders substitutes 0 for every placeholder so that anchors can
// be syntax checked before evaluation.
func zeroPlaceholders(s string) string {
	return placeholderPattern.ReplaceAllString(s, "0")
}

// RewriteHL7 turns HL7 field spec shorthand into calls of the navigation
// functions available to hl7-to-fhir expressions: a segment name becomes
// segment('OBX') and a field spec becomes field('PID-5-1'). Anything else
// is returned unchanged.
func RewriteHL7(src string) string {
	src = strings.TrimSpace(src)
	spec, err := hl7v2.ParseFieldSpec(zeroPlaceholders(src))
	if err != nil {
		return src
	}
	if spec.SegmentOnly() && !strings.ContainsAny(src, "(%") {
		return "segment('" + src + "')"
	}
	return "field('" + src + "')"
}

// CompileExpression compiles a condition, resource, value or constant
// expression of a schema of the given kind.
func CompileExpression(kind Kind, src string) (*fhir.Expression, error) {
	if kind.HL7Input() {
		src = RewriteHL7(src)
	}
	return fhir.Compile(src)
}

// ParseHL7Anchor parses an hl7Spec output anchor after interpolation.
func ParseHL7Anchor(s string) (hl7v2.FieldSpec, error) {
	spec, err := hl7v2.ParseFieldSpec(s)
	if err != nil {
		return spec, err
	}
	if spec.SegmentOnly() {
		return spec, fmt.Errorf("hl7Spec %q must address a field", s)
	}
	return spec, nil
}

// BundleProperty is a parsed bundleProperty output anchor:
//
//	%resource.status                 property of the resource in focus
//	Observation.code.coding[0].code  property of the first Observation
//	Observation(2).valueString       property of the third Observation
//
// Resources addressed by type are created in the output bundle on demand.
type BundleProperty struct {
	// ResourceType is empty when the anchor is relative to %resource.
	ResourceType string
	Ordinal      int
	Path         fhir.PropertyPath
}

var bundleBasePattern = regexp.MustCompile(`^(%resource|[A-Z][A-Za-z]*)(?:\((\d+)\))?$`)

// ParseBundleProperty parses an interpolated bundleProperty anchor.
func ParseBundleProperty(s string) (BundleProperty, error) {
	s = strings.TrimSpace(s)
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return BundleProperty{}, fmt.Errorf("bundleProperty %q must name a property", s)
	}
	m := bundleBasePattern.FindStringSubmatch(s[:dot])
	if m == nil {
		return BundleProperty{}, fmt.Errorf("bundleProperty %q: base must be %%resource or a resource type", s)
	}
	var bp BundleProperty
	if m[1] != "%resource" {
		bp.ResourceType = m[1]
	} else if m[2] != "" {
		return BundleProperty{}, fmt.Errorf("bundleProperty %q: %%resource takes no ordinal", s)
	}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return BundleProperty{}, fmt.Errorf("bundleProperty %q: %w", s, err)
		}
		bp.Ordinal = n
	}
	p, err := fhir.ParsePropertyPath(s[dot+1:])
	if err != nil {
		return BundleProperty{}, fmt.Errorf("bundleProperty %q: %w", s, err)
	}
	bp.Path = p
	return bp, nil
}

func (b BundleProperty) String() string {
	base := "%resource"
	if b.ResourceType != "" {
		base = b.ResourceType
		if b.Ordinal > 0 {
			base += "(" + strconv.Itoa(b.Ordinal) + ")"
		}
	}
	return base + "." + b.Path.String()
}
