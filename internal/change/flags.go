package change

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ActionFlags is the composable kind of a Change.
type ActionFlags uint16

const None ActionFlags = 0

const (
	Add ActionFlags = 1 << iota
	Remove
	Transform
	Update
	Locked
	Unlocked
	Temporary
	Release
)

var flagNames = []struct {
	flag ActionFlags
	name string
}{
	{Add, "Add"},
	{Remove, "Remove"},
	{Transform, "Transform"},
	{Update, "Update"},
	{Locked, "Locked"},
	{Unlocked, "Unlocked"},
	{Temporary, "Temporary"},
	{Release, "Release"},
}

// Has reports whether every bit of f is set in a. Has(None) is true only for None.
func (a ActionFlags) Has(f ActionFlags) bool {
	if f == None {
		return a == None
	}
	return a&f == f
}

// String renders the flags as a comma separated list, e.g. "Add, Temporary".
func (a ActionFlags) String() string {
	if a == None {
		return "None"
	}
	var parts []string
	rest := a
	for _, fn := range flagNames {
		if a&fn.flag != 0 {
			parts = append(parts, fn.name)
			rest &^= fn.flag
		}
	}
	if rest != 0 {
		parts = append(parts, strconv.Itoa(int(rest)))
	}
	return strings.Join(parts, ", ")
}

// ParseActionFlags accepts either the String form (comma or pipe separated,
// case-insensitive; "Done" is an alias of Release) or a decimal bit mask.
func ParseActionFlags(s string) (ActionFlags, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return None, nil
	}
	if n, err := strconv.ParseUint(s, 10, 16); err == nil {
		return ActionFlags(n), nil
	}

	var out ActionFlags
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' }) {
		part = strings.TrimSpace(part)
		if strings.EqualFold(part, "None") || part == "" {
			continue
		}
		if strings.EqualFold(part, "Done") {
			out |= Release
			continue
		}
		found := false
		for _, fn := range flagNames {
			if strings.EqualFold(part, fn.name) {
				out |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return None, fmt.Errorf("unknown action flag %q", part)
		}
	}
	return out, nil
}

func (a ActionFlags) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts the string form or a JSON number.
func (a *ActionFlags) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f, err := ParseActionFlags(s)
		if err != nil {
			return err
		}
		*a = f
		return nil
	}
	var n uint16
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("action flags: %w", err)
	}
	*a = ActionFlags(n)
	return nil
}
