package resilience

import "strings"

type Category string

const (
	CategoryNetwork         Category = "network"
	CategoryDatabase        Category = "database"
	CategoryValidation      Category = "validation"
	CategoryAuthentication  Category = "authentication"
	CategoryAuthorization   Category = "authorization"
	CategoryBusinessLogic   Category = "business_logic"
	CategoryExternalService Category = "external_service"
	CategorySystem          Category = "system"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// classRule binds a category to the substrings that select it. Rules are
// evaluated in order and the first hit wins, so an error mentioning both
// "database" and "ECONNREFUSED" classifies as database, never network. The
// precedence is deliberate and load-bearing for downstream strategy
// selection; do not reorder it to "fix" ambiguous messages.
type classRule struct {
	category Category
	severity Severity
	keywords []string
}

var classRules = []classRule{
	{CategoryDatabase, SeverityCritical, []string{
		"database", "db error", "sql", "query failed", "deadlock", "constraint", "duplicate key", "transaction",
	}},
	{CategoryNetwork, SeverityHigh, []string{
		"econnrefused", "econnreset", "etimedout", "timeout", "timed out", "network", "socket", "dial", "connection refused", "connection reset", "unreachable", "broken pipe",
	}},
	{CategoryAuthentication, SeverityHigh, []string{
		"authentication", "unauthenticated", "token", "credential", "login", "signature", "unauthorized",
	}},
	{CategoryAuthorization, SeverityMedium, []string{
		"authorization", "forbidden", "permission", "access denied", "not allowed",
	}},
	{CategoryValidation, SeverityLow, []string{
		"validation", "invalid", "malformed", "missing required", "out of range", "bad request",
	}},
	{CategoryBusinessLogic, SeverityMedium, []string{
		"insufficient funds", "bet closed", "market closed", "not your turn", "illegal move", "already settled",
	}},
	{CategoryExternalService, SeverityHigh, []string{
		"service unavailable", "upstream", "gateway", "rate limit", "too many requests", "quota", "api error",
	}},
}

// Classify maps a raw error to a (category, severity) pair. It is a pure
// function of the error text; unmatched errors land in (system, medium).
func Classify(err error) (Category, Severity) {
	if err == nil {
		return CategorySystem, SeverityMedium
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range classRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.category, rule.severity
			}
		}
	}
	return CategorySystem, SeverityMedium
}
