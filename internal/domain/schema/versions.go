package schema

import (
	"fmt"
	"strings"

	bsemver "github.com/blang/semver/v4"
)

// Supported target versions and message types of converter schemas.
var (
	SupportedHL7Versions  = []string{"2.3", "2.5.1", "2.7"}
	SupportedFHIRVersions = []string{"4.0.1"}
	SupportedHL7Types     = []string{"ORU^R01", "OML^O21", "ADT^A01"}
)

// checkVersion reports whether v equals one of supported, comparing
// tolerantly so that "2.3" and "2.3.0" are the same version.
func checkVersion(v string, supported []string) error {
	got, err := bsemver.ParseTolerant(v)
	if err != nil {
		return fmt.Errorf("invalid version %q: %v", v, err)
	}
	for _, s := range supported {
		want, err := bsemver.ParseTolerant(s)
		if err != nil {
			continue
		}
		if got.Equals(want) {
			return nil
		}
	}
	return fmt.Errorf("unsupported version %q, expected one of %s", v, strings.Join(supported, ", "))
}

// CheckHL7Version validates an HL7 v2 version string.
func CheckHL7Version(v string) error { return checkVersion(v, SupportedHL7Versions) }

// CheckFHIRVersion validates a FHIR version string.
func CheckFHIRVersion(v string) error { return checkVersion(v, SupportedFHIRVersions) }

// CheckHL7Type validates an HL7 message type such as ORU^R01. The trigger
// event separator may also be written as "_".
func CheckHL7Type(t string) error {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(t), "_", "^"))
	for _, s := range SupportedHL7Types {
		if norm == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported HL7 message type %q, expected one of %s", t, strings.Join(SupportedHL7Types, ", "))
}
