package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/andyyyy64/opentiger/internal/domain"
)

func TestClassify_StructuredMetaWins(t *testing.T) {
	t.Parallel()
	c := domain.Classify("timeout while waiting", domain.ErrorMeta{FailureCode: domain.CodePolicyViolation})
	assert.Equal(t, domain.CodePolicyViolation, c.Code)
	assert.Equal(t, domain.CategoryPolicy, c.Category)
	assert.True(t, c.Retryable)
}

func TestClassify_UnknownMetaCodeFallsBackToMessage(t *testing.T) {
	t.Parallel()
	c := domain.Classify("tests fail: expected 2 got 3", domain.ErrorMeta{FailureCode: "SOMETHING_ELSE"})
	assert.Equal(t, domain.CodeTestFailure, c.Code)
	assert.Equal(t, domain.CategoryTest, c.Category)
}

func TestClassify_MessageRules(t *testing.T) {
	t.Parallel()
	cases := []struct {
		msg      string
		code     string
		category domain.FailureCategory
		retry    bool
	}{
		{"permission prompt for external directory /etc", domain.CodeExternalDirPermissionPrompt, domain.CategoryPermission, false},
		{"no actionable changes detected", domain.CodeNoActionableChanges, domain.CategoryNoop, false},
		{"policy violation: wrote outside allowed paths", domain.CodePolicyViolation, domain.CategoryPolicy, true},
		{"npm error missing script: verify", domain.CodeVerifyMissingScript, domain.CategorySetup, false},
		{"go: no test files", domain.CodeVerifyNoTestFiles, domain.CategorySetup, false},
		{"make: *** No rule to make target 'check'", domain.CodeVerifyMissingMakeTarget, domain.CategorySetup, false},
		{"unsupported command format: powershell", domain.CodeVerifyUnsupportedFormat, domain.CategorySetup, false},
		{"must run build before test", domain.CodeVerifySequenceIssue, domain.CategorySetup, false},
		{"verification command failed with exit 1", domain.CodeVerifyFailed, domain.CategoryTest, true},
		{"npm ci failed with ELIFECYCLE", domain.CodeSetupOrBootstrapIssue, domain.CategorySetup, true},
		{"upstream quota exhausted for org", domain.CodeQuotaFailure, domain.CategoryEnv, true},
		{"rate limited, please retry in 45s", domain.CodeQuotaFailure, domain.CategoryEnv, true},
		{"write /tmp/x: no space left on device", domain.CodeEnvironmentIssue, domain.CategoryEnv, true},
		{"dial tcp: connection refused", domain.CodeEnvironmentIssue, domain.CategoryEnv, true},
		{"tests fail: want 200 have 500", domain.CodeTestFailure, domain.CategoryTest, true},
		{"context deadline exceeded", domain.CodeTransientOrFlaky, domain.CategoryFlaky, true},
		{"model entered a doom loop, aborting", domain.CodeModelDoomLoop, domain.CategoryModelLoop, true},
		{"???", domain.CodeModelOrUnknown, domain.CategoryModel, true},
		{"", domain.CodeModelOrUnknown, domain.CategoryModel, true},
	}
	for _, tc := range cases {
		c := domain.Classify(tc.msg, domain.ErrorMeta{})
		assert.Equal(t, tc.code, c.Code, "msg=%q", tc.msg)
		assert.Equal(t, tc.category, c.Category, "msg=%q", tc.msg)
		assert.Equal(t, tc.retry, c.Retryable, "msg=%q", tc.msg)
	}
}

func TestClassify_Stable(t *testing.T) {
	t.Parallel()
	msg := "dial tcp 10.0.0.1:443: connection reset by peer"
	first := domain.Classify(msg, domain.ErrorMeta{})
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, domain.Classify(msg, domain.ErrorMeta{}))
	}
}

func TestClassify_PolicyViolationsMeta(t *testing.T) {
	t.Parallel()
	c := domain.Classify("run aborted", domain.ErrorMeta{PolicyViolations: []string{"touched /secrets"}})
	assert.Equal(t, domain.CodePolicyViolation, c.Code)
}

func TestRetryCeiling(t *testing.T) {
	t.Parallel()
	// Global disabled: category limit applies verbatim.
	assert.Equal(t, 6, domain.RetryCeiling(domain.CategoryFlaky, nil, -1))
	assert.Equal(t, 0, domain.RetryCeiling(domain.CategoryPermission, nil, -1))
	// Global caps.
	assert.Equal(t, 2, domain.RetryCeiling(domain.CategoryFlaky, nil, 2))
	// Global higher than category: category wins.
	assert.Equal(t, 3, domain.RetryCeiling(domain.CategoryPolicy, nil, 10))
	// Override replaces category default.
	assert.Equal(t, 8, domain.RetryCeiling(domain.CategoryFlaky, map[string]int{"flaky": 8}, -1))
	// Unknown category behaves like model.
	assert.Equal(t, 3, domain.RetryCeiling(domain.FailureCategory("bogus"), nil, -1))
}

func TestActionableTerminal(t *testing.T) {
	t.Parallel()
	assert.True(t, domain.ActionableTerminal(domain.CodeNoActionableChanges))
	assert.True(t, domain.ActionableTerminal(domain.CodeExternalDirPermissionPrompt))
	assert.True(t, domain.ActionableTerminal(domain.CodeVerifyMissingScript))
	assert.False(t, domain.ActionableTerminal(domain.CodeTestFailure))
	assert.False(t, domain.ActionableTerminal(domain.CodeModelOrUnknown))
}
