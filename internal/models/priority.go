package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Priority affects dequeue order only.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts low/normal/high (any case). Empty input yields def.
func ParsePriority(raw string, def Priority) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return def, nil
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return def, fmt.Errorf("unknown priority %q", raw)
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var n int
		if errNum := json.Unmarshal(data, &n); errNum != nil {
			return err
		}
		*p = Priority(n)
		return nil
	}
	parsed, err := ParsePriority(raw, PriorityNormal)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
