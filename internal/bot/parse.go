package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// RuleArgs holds the parsed arguments of a /rule command.
type RuleArgs struct {
	Score    int
	Required []string
	Excluded []string
}

// ParseRuleArgs parses arguments for /rule.
// Format: <score> <tag...> where a tag prefixed with "-" is excluded.
func ParseRuleArgs(args string) (RuleArgs, error) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		return RuleArgs{}, fmt.Errorf("usage: /rule <score> <tag> [tag...] [-tag...]")
	}

	score, err := strconv.Atoi(parts[0])
	if err != nil {
		return RuleArgs{}, fmt.Errorf("invalid score %q", parts[0])
	}
	if score < 0 {
		return RuleArgs{}, fmt.Errorf("score must not be negative")
	}

	out := RuleArgs{Score: score}
	for _, p := range parts[1:] {
		if name, ok := strings.CutPrefix(p, "-"); ok {
			if name == "" {
				return RuleArgs{}, fmt.Errorf("empty excluded tag")
			}
			out.Excluded = append(out.Excluded, name)
			continue
		}
		out.Required = append(out.Required, p)
	}
	return out, nil
}

// KeyArgs holds the parsed arguments of a /key command.
type KeyArgs struct {
	Provider   string
	APIKey     string
	MaxAgeDays int
}

// ParseKeyArgs parses arguments for /key.
// Format: <provider> <api_key> [max_entry_age_days]
func ParseKeyArgs(args string) (KeyArgs, error) {
	parts := strings.Fields(args)
	if len(parts) < 2 || len(parts) > 3 {
		return KeyArgs{}, fmt.Errorf("usage: /key <provider> <api_key> [max_entry_age_days]")
	}
	out := KeyArgs{Provider: strings.ToLower(parts[0]), APIKey: parts[1]}
	if len(parts) == 3 {
		days, err := strconv.Atoi(parts[2])
		if err != nil || days < 0 {
			return KeyArgs{}, fmt.Errorf("max entry age must be a non-negative number of days")
		}
		out.MaxAgeDays = days
	}
	return out, nil
}

// ParseLimitArg parses an optional result count, falling back to def and
// capping at maxLimit.
func ParseLimitArg(args string, def, maxLimit int) (int, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.Fields(s)[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid count %q", s)
	}
	return min(n, maxLimit), nil
}

// ParseIDArg extracts a numeric ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("ID is required")
	}
	id, err := strconv.ParseInt(strings.Fields(s)[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ID %q", s)
	}
	return id, nil
}
