// Package validator implements the stateless command admission policy.
// The same policy runs on the coordinator at submit time and on the agent
// before execution, so both sides reach identical decisions.
package validator

import (
	"fmt"
	"regexp"
	"strings"
)

// Rejection reasons.
const (
	ReasonTooLong        = "too_long"
	ReasonDenied         = "denied"
	ReasonNotInAllowList = "not_in_allow_list"
	ReasonShellOperator  = "shell_operator_forbidden"
)

// RejectionError is returned when a command fails policy.
type RejectionError struct {
	Reason string
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// shellOperators are rejected when AllowShellOperators is false.
var shellOperators = []string{";", "&&", "||", "|", ">", "<", "`", "$(", "\n"}

// defaultDenyPatterns block destructive commands regardless of any other
// policy setting. They match near-variants, not just the literal string.
var defaultDenyPatterns = []string{
	// recursive root deletion (rm -rf / and near-variants)
	`rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rR][a-zA-Z]*f[a-zA-Z]*\s+/(\s|$)`,
	`rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*f[a-zA-Z]*[rR][a-zA-Z]*\s+/(\s|$)`,
	// filesystem format
	`\bmkfs(\.\w+)?\b`,
	// raw disk writes
	`\bdd\s+.*if=/dev/(zero|urandom|random)`,
	`\bdd\s+.*of=/dev/sd[a-z]`,
	`>\s*/dev/sd[a-z]`,
	// fork bomb
	`:\(\)\s*\{.*\};\s*:`,
}

// Policy is the configurable admission policy. Zero value is not usable;
// construct via DefaultPolicy or NewPolicy.
type Policy struct {
	MaxLength           int
	AllowListEnabled    bool
	AllowList           []string
	AllowShellOperators bool
	MaxTimeoutSeconds   int

	denyPatterns []*regexp.Regexp
	allowSet     map[string]struct{}
}

// DefaultPolicy returns the policy with built-in deny patterns,
// a 1000 character ceiling, shell operators allowed, and a 300 s timeout cap.
func DefaultPolicy() *Policy {
	p := &Policy{
		MaxLength:           1000,
		AllowShellOperators: true,
		MaxTimeoutSeconds:   300,
	}
	p.compile(nil)
	return p
}

// NewPolicy builds a policy from configured fields. extraDeny patterns are
// appended to the built-in deny list, which is always enforced.
func NewPolicy(maxLength int, allowListEnabled bool, allowList []string, allowShellOperators bool, maxTimeout int, extraDeny []string) (*Policy, error) {
	if maxLength <= 0 {
		maxLength = 1000
	}
	if maxTimeout <= 0 {
		maxTimeout = 300
	}
	p := &Policy{
		MaxLength:           maxLength,
		AllowListEnabled:    allowListEnabled,
		AllowList:           allowList,
		AllowShellOperators: allowShellOperators,
		MaxTimeoutSeconds:   maxTimeout,
	}
	if err := p.compile(extraDeny); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) compile(extraDeny []string) error {
	patterns := make([]string, 0, len(defaultDenyPatterns)+len(extraDeny))
	patterns = append(patterns, defaultDenyPatterns...)
	patterns = append(patterns, extraDeny...)

	p.denyPatterns = make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return fmt.Errorf("invalid deny pattern %q: %w", pat, err)
		}
		p.denyPatterns = append(p.denyPatterns, re)
	}

	p.allowSet = make(map[string]struct{}, len(p.AllowList))
	for _, name := range p.AllowList {
		p.allowSet[strings.TrimSpace(name)] = struct{}{}
	}
	return nil
}

// Validate checks a command string against the policy. Returns nil when the
// command is admissible, or a *RejectionError naming the reason.
func (p *Policy) Validate(command string) error {
	if len(command) > p.MaxLength {
		return &RejectionError{
			Reason: ReasonTooLong,
			Detail: fmt.Sprintf("command is %d characters, limit is %d", len(command), p.MaxLength),
		}
	}

	for _, re := range p.denyPatterns {
		if re.MatchString(command) {
			return &RejectionError{Reason: ReasonDenied, Detail: "command matches deny pattern"}
		}
	}

	if !p.AllowShellOperators {
		for _, op := range shellOperators {
			if strings.Contains(command, op) {
				return &RejectionError{
					Reason: ReasonShellOperator,
					Detail: fmt.Sprintf("shell operator %q is forbidden", op),
				}
			}
		}
	}

	if p.AllowListEnabled {
		fields := strings.Fields(strings.TrimSpace(command))
		if len(fields) == 0 {
			return &RejectionError{Reason: ReasonNotInAllowList, Detail: "empty command"}
		}
		if _, ok := p.allowSet[fields[0]]; !ok {
			return &RejectionError{
				Reason: ReasonNotInAllowList,
				Detail: fmt.Sprintf("%q is not in the allow list", fields[0]),
			}
		}
	}

	return nil
}

// ClampTimeout returns the effective timeout for a submitted value: the
// default cap when unset or non-positive, otherwise the value capped by
// MaxTimeoutSeconds. The clamp is silent; callers return the effective value.
func (p *Policy) ClampTimeout(requested int) int {
	if requested <= 0 {
		return p.MaxTimeoutSeconds
	}
	if requested > p.MaxTimeoutSeconds {
		return p.MaxTimeoutSeconds
	}
	return requested
}
