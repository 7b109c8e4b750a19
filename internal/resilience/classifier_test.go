package resilience

import (
	"errors"
	"testing"
)

func TestClassifyPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category Category
		severity Severity
	}{
		{
			// Database keywords outrank the co-occurring network token.
			name:     "database wins over network",
			err:      errors.New("ECONNREFUSED whilst calling database"),
			category: CategoryDatabase,
			severity: SeverityCritical,
		},
		{
			name:     "database timeout stays database",
			err:      errors.New("database connection timeout"),
			category: CategoryDatabase,
			severity: SeverityCritical,
		},
		{
			name:     "plain network error",
			err:      errors.New("dial tcp 10.0.0.1:6379: connection refused"),
			category: CategoryNetwork,
			severity: SeverityHigh,
		},
		{
			name:     "timeout is network",
			err:      errors.New("request timed out after 5s"),
			category: CategoryNetwork,
			severity: SeverityHigh,
		},
		{
			name:     "authentication",
			err:      errors.New("token validation failed: signature mismatch"),
			category: CategoryAuthentication,
			severity: SeverityHigh,
		},
		{
			name:     "authorization",
			err:      errors.New("access denied for market admin"),
			category: CategoryAuthorization,
			severity: SeverityMedium,
		},
		{
			name:     "validation",
			err:      errors.New("invalid bet payload: missing required field"),
			category: CategoryValidation,
			severity: SeverityLow,
		},
		{
			name:     "business logic",
			err:      errors.New("insufficient funds for wager"),
			category: CategoryBusinessLogic,
			severity: SeverityMedium,
		},
		{
			name:     "external service",
			err:      errors.New("upstream returned 503 service unavailable"),
			category: CategoryExternalService,
			severity: SeverityHigh,
		},
		{
			name:     "unmatched defaults to system/medium",
			err:      errors.New("something inexplicable happened"),
			category: CategorySystem,
			severity: SeverityMedium,
		},
		{
			name:     "nil error defaults to system/medium",
			err:      nil,
			category: CategorySystem,
			severity: SeverityMedium,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			category, severity := Classify(tc.err)
			if category != tc.category {
				t.Errorf("Classify(%v) category = %s, want %s", tc.err, category, tc.category)
			}
			if severity != tc.severity {
				t.Errorf("Classify(%v) severity = %s, want %s", tc.err, severity, tc.severity)
			}
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	err := errors.New("database timeout contacting upstream gateway")
	first, _ := Classify(err)
	for i := 0; i < 50; i++ {
		got, _ := Classify(err)
		if got != first {
			t.Fatalf("Classify returned %s after previously returning %s", got, first)
		}
	}
}
