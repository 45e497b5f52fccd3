package models

import "fmt"

// UpdateChannel selects the Remote update path.
// Programmatic updates do not fire the Remote's user-change webhook; Interactive ones do.
type UpdateChannel int

const (
	UpdateChannelProgrammatic UpdateChannel = iota + 1
	UpdateChannelInteractive
)

func (c UpdateChannel) String() string {
	switch c {
	case UpdateChannelProgrammatic:
		return "programmatic"
	case UpdateChannelInteractive:
		return "interactive"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// RemoteResult summarizes a successful Remote write.
type RemoteResult struct {
	RemoteID   string         `json:"remote_id"`
	StatusCode int            `json:"status_code"`
	Channel    string         `json:"channel"`
	Fields     []string       `json:"fields"`
	Response   map[string]any `json:"response,omitempty"`
}
