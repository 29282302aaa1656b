package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Reset collectors for testing purposes.
	quotaUnitsTotal = nil
	recordsAdmittedTotal = nil
	apiErrorsTotal = nil

	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if quotaUnitsTotal == nil || recordsAdmittedTotal == nil || apiErrorsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	// A simple check to see if a metric can be used.
	ObserveQuotaSpend(0, "search", 100)
	if val := testutil.ToFloat64(quotaUnitsTotal); val != 100 {
		t.Errorf("Expected quotaUnitsTotal to be 100, got %f", val)
	}

	// Non-positive spends are ignored.
	ObserveQuotaSpend(0, "search", 0)
	if val := testutil.ToFloat64(quotaUnitsTotal); val != 100 {
		t.Errorf("Expected quotaUnitsTotal to stay 100, got %f", val)
	}

	ObserveAdmitted("music", "less-1day")
	if val := testutil.ToFloat64(recordsAdmittedTotal); val != 1 {
		t.Errorf("Expected recordsAdmittedTotal to be 1, got %f", val)
	}
}
