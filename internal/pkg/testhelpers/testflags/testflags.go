package testflags

import (
	"flag"
	"testing"
)

// unit is set by the -unit flag and gates unit tests.
var unit = flag.Bool("unit", true, "run unit tests")

// integration is set by the -integration flag and gates integration tests.
var integration = flag.Bool("integration", true, "run integration tests")

// UnitTest marks a test as a unit test, skipping it when unit tests are
// disabled.
func UnitTest(t *testing.T) {
	if !*unit {
		t.SkipNow()
	}
}

// IntegrationTest marks a test as an integration test, skipping it when
// integration tests are disabled.
func IntegrationTest(t *testing.T) {
	if !*integration {
		t.SkipNow()
	}
}
