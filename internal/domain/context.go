package domain

import (
	"encoding/json"
	"fmt"
)

// TaskContext is the tagged union carried in a task's context column. The
// union tag is preserved in JSON as "kind"; decoding an unknown tag fails
// rather than duck-typing into the wrong variant.
type TaskContext struct {
	Code     *CodeContext     `json:"-"`
	PR       *PRContext       `json:"-"`
	Issue    *IssueContext    `json:"-"`
	Research *ResearchContext `json:"-"`
}

// CodeContext carries inputs for a code-changing task.
type CodeContext struct {
	Files []string `json:"files,omitempty"`
	Specs []string `json:"specs,omitempty"`
	Notes string   `json:"notes,omitempty"`
}

// PRContext carries inputs for rework driven by pull-request review.
type PRContext struct {
	PRNumber       int      `json:"prNumber"`
	Branch         string   `json:"branch,omitempty"`
	ReviewComments []string `json:"reviewComments,omitempty"`
}

// IssueContext carries inputs sourced from an issue tracker.
type IssueContext struct {
	IssueNumber int      `json:"issueNumber"`
	Labels      []string `json:"labels,omitempty"`
	Body        string   `json:"body,omitempty"`
}

// ResearchContext carries inputs for a research task.
type ResearchContext struct {
	Questions   []string `json:"questions,omitempty"`
	Sources     []string `json:"sources,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
}

// Empty reports whether no variant is set.
func (c TaskContext) Empty() bool {
	return c.Code == nil && c.PR == nil && c.Issue == nil && c.Research == nil
}

// Kind returns the union tag, or "" when empty.
func (c TaskContext) Kind() string {
	switch {
	case c.Code != nil:
		return "code"
	case c.PR != nil:
		return "pr"
	case c.Issue != nil:
		return "issue"
	case c.Research != nil:
		return "research"
	}
	return ""
}

// MarshalJSON encodes the active variant with its tag. An empty context
// encodes as JSON null.
func (c TaskContext) MarshalJSON() ([]byte, error) {
	switch {
	case c.Code != nil:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			CodeContext
		}{"code", *c.Code})
	case c.PR != nil:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			PRContext
		}{"pr", *c.PR})
	case c.Issue != nil:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			IssueContext
		}{"issue", *c.Issue})
	case c.Research != nil:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			ResearchContext
		}{"research", *c.Research})
	}
	return []byte("null"), nil
}

// UnmarshalJSON decodes by tag and rejects unknown kinds.
func (c *TaskContext) UnmarshalJSON(b []byte) error {
	*c = TaskContext{}
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var tag struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(b, &tag); err != nil {
		return fmt.Errorf("op=context.unmarshal: %w", err)
	}
	switch tag.Kind {
	case "code":
		var v CodeContext
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		c.Code = &v
	case "pr":
		var v PRContext
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		c.PR = &v
	case "issue":
		var v IssueContext
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		c.Issue = &v
	case "research":
		var v ResearchContext
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		c.Research = &v
	case "":
		return fmt.Errorf("op=context.unmarshal: missing kind tag: %w", ErrInvalidArgument)
	default:
		return fmt.Errorf("op=context.unmarshal: unknown kind %q: %w", tag.Kind, ErrInvalidArgument)
	}
	return nil
}

// ErrorMeta is the structured failure payload attached to a run.
type ErrorMeta struct {
	FailureCode      string   `json:"failureCode,omitempty"`
	FailedCommand    string   `json:"failedCommand,omitempty"`
	PolicyViolations []string `json:"policyViolations,omitempty"`
}

// Empty reports whether no structured failure data is present.
func (m ErrorMeta) Empty() bool {
	return m.FailureCode == "" && m.FailedCommand == "" && len(m.PolicyViolations) == 0
}
