package domain

import (
	"regexp"
	"strings"
)

// Canonical failure codes (closed set). Workers report structured meta when
// they can; message sniffing is the fallback.
const (
	CodeExternalDirPermissionPrompt = "external_directory_permission_prompt"
	CodeNoActionableChanges         = "no_actionable_changes"
	CodePolicyViolation             = "policy_violation"
	CodeVerifyMissingScript         = "verification_command_missing_script"
	CodeVerifyNoTestFiles           = "verification_command_no_test_files"
	CodeVerifyMissingMakeTarget     = "verification_command_missing_make_target"
	CodeVerifyUnsupportedFormat     = "verification_command_unsupported_format"
	CodeVerifySequenceIssue         = "verification_command_sequence_issue"
	CodeVerifyFailed                = "verification_command_failed"
	CodeSetupOrBootstrapIssue       = "setup_or_bootstrap_issue"
	CodeEnvironmentIssue            = "environment_issue"
	CodeQuotaFailure                = "quota_failure"
	CodeTestFailure                 = "test_failure"
	CodeTransientOrFlaky            = "transient_or_flaky_failure"
	CodeModelDoomLoop               = "model_doom_loop"
	CodeModelOrUnknown              = "model_or_unknown_failure"
)

// FailureCategory groups codes for retry policy.
type FailureCategory string

const (
	CategoryEnv        FailureCategory = "env"
	CategorySetup      FailureCategory = "setup"
	CategoryPermission FailureCategory = "permission"
	CategoryNoop       FailureCategory = "noop"
	CategoryPolicy     FailureCategory = "policy"
	CategoryTest       FailureCategory = "test"
	CategoryFlaky      FailureCategory = "flaky"
	CategoryModel      FailureCategory = "model"
	CategoryModelLoop  FailureCategory = "model_loop"
)

// categoryByCode maps every canonical code to its retry category.
var categoryByCode = map[string]FailureCategory{
	CodeExternalDirPermissionPrompt: CategoryPermission,
	CodeNoActionableChanges:         CategoryNoop,
	CodePolicyViolation:             CategoryPolicy,
	CodeVerifyMissingScript:         CategorySetup,
	CodeVerifyNoTestFiles:           CategorySetup,
	CodeVerifyMissingMakeTarget:     CategorySetup,
	CodeVerifyUnsupportedFormat:     CategorySetup,
	CodeVerifySequenceIssue:         CategorySetup,
	CodeVerifyFailed:                CategoryTest,
	CodeSetupOrBootstrapIssue:       CategorySetup,
	CodeEnvironmentIssue:            CategoryEnv,
	CodeQuotaFailure:                CategoryEnv,
	CodeTestFailure:                 CategoryTest,
	CodeTransientOrFlaky:            CategoryFlaky,
	CodeModelDoomLoop:               CategoryModelLoop,
	CodeModelOrUnknown:              CategoryModel,
}

// categoryRetryLimits are the default per-category retry ceilings.
var categoryRetryLimits = map[FailureCategory]int{
	CategoryEnv:        5,
	CategorySetup:      3,
	CategoryPermission: 0,
	CategoryNoop:       0,
	CategoryPolicy:     3,
	CategoryTest:       3,
	CategoryFlaky:      6,
	CategoryModel:      3,
	CategoryModelLoop:  1,
}

// verificationShapeCodes are terminal unless the worker adapter exposes an
// inline recovery channel.
var verificationShapeCodes = map[string]bool{
	CodeVerifyMissingScript:     true,
	CodeVerifyNoTestFiles:       true,
	CodeVerifyMissingMakeTarget: true,
	CodeVerifyUnsupportedFormat: true,
	CodeVerifySequenceIssue:     true,
}

// Classification is the normalized outcome of a run failure.
type Classification struct {
	Code      string
	Category  FailureCategory
	Retryable bool
}

// classifierRule is one ordered message rule. The first match wins.
type classifierRule struct {
	re   *regexp.Regexp
	code string
}

// Ordered message rules, applied only when structured meta carries no code.
// More specific shapes come before generic ones.
var classifierRules = []classifierRule{
	{regexp.MustCompile(`(?i)permission.*(prompt|denied).*(outside|external)|external directory`), CodeExternalDirPermissionPrompt},
	{regexp.MustCompile(`(?i)no actionable changes|nothing to (do|commit|change)`), CodeNoActionableChanges},
	{regexp.MustCompile(`(?i)policy violation|forbidden path|allowed_paths violation`), CodePolicyViolation},
	{regexp.MustCompile(`(?i)missing script|script not found`), CodeVerifyMissingScript},
	{regexp.MustCompile(`(?i)no test files|no tests? (found|to run)`), CodeVerifyNoTestFiles},
	{regexp.MustCompile(`(?i)no rule to make target|missing make target`), CodeVerifyMissingMakeTarget},
	{regexp.MustCompile(`(?i)unsupported (command )?format`), CodeVerifyUnsupportedFormat},
	{regexp.MustCompile(`(?i)command sequence|must run .* before`), CodeVerifySequenceIssue},
	{regexp.MustCompile(`(?i)(verification|verify) (command )?failed`), CodeVerifyFailed},
	{regexp.MustCompile(`(?i)bootstrap|npm (ci|install) failed|go mod download failed|dependency install`), CodeSetupOrBootstrapIssue},
	{regexp.MustCompile(`(?i)quota|billing|credit.*(exhaust|insufficient)|429`), CodeQuotaFailure},
	{regexp.MustCompile(`(?i)rate.?limit|overloaded|retry in \d|try again at`), CodeQuotaFailure},
	{regexp.MustCompile(`(?i)disk full|no space left|read-?only file system|cannot allocate memory`), CodeEnvironmentIssue},
	{regexp.MustCompile(`(?i)connection (refused|reset)|network|dns|tls handshake|socket hang up`), CodeEnvironmentIssue},
	{regexp.MustCompile(`(?i)tests? fail|assertion|expected .* got`), CodeTestFailure},
	{regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded|econnreset|flaky`), CodeTransientOrFlaky},
	{regexp.MustCompile(`(?i)doom.?loop|repeated identical|no.?progress loop`), CodeModelDoomLoop},
}

// Classify normalizes a run failure into a canonical code, category, and
// retryability. Structured meta wins over message sniffing; any unknown shape
// falls back to model_or_unknown_failure. Calling Classify twice on the same
// input returns the same result.
func Classify(message string, meta ErrorMeta) Classification {
	code := strings.TrimSpace(meta.FailureCode)
	if _, known := categoryByCode[code]; !known {
		code = ""
	}
	if code == "" && len(meta.PolicyViolations) > 0 {
		code = CodePolicyViolation
	}
	if code == "" {
		msg := strings.TrimSpace(message)
		for _, r := range classifierRules {
			if r.re.MatchString(msg) {
				code = r.code
				break
			}
		}
	}
	if code == "" {
		code = CodeModelOrUnknown
	}
	cat := categoryByCode[code]
	return Classification{
		Code:      code,
		Category:  cat,
		Retryable: categoryRetryLimits[cat] > 0 && !verificationShapeCodes[code],
	}
}

// RetryCeiling resolves the effective retry ceiling for a category. Overrides
// replace the category default when present. A negative global limit means the
// global ceiling is disabled and the category limit applies verbatim.
func RetryCeiling(cat FailureCategory, overrides map[string]int, global int) int {
	limit, ok := categoryRetryLimits[cat]
	if !ok {
		limit = categoryRetryLimits[CategoryModel]
	}
	if o, ok := overrides[string(cat)]; ok {
		limit = o
	}
	if global >= 0 && global < limit {
		limit = global
	}
	return limit
}

// ActionableTerminal reports whether a terminal code is surfaced to the user
// with an actionable reason string rather than a raw error summary.
func ActionableTerminal(code string) bool {
	return code == CodeNoActionableChanges ||
		code == CodeExternalDirPermissionPrompt ||
		verificationShapeCodes[code]
}
