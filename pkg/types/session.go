// Package types provides the data types shared between the bridge and the agent server.
package types

// Session is an agent conversation as reported by the agent server.
type Session struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"projectID,omitempty"`
	Directory string      `json:"directory"`
	ParentID  string      `json:"parentID,omitempty"`
	Title     string      `json:"title"`
	Version   string      `json:"version,omitempty"`
	Time      SessionTime `json:"time"`
}

// SessionTime contains timestamps for a session.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// Binding ties a chat thread to an agent session.
type Binding struct {
	ThreadID  string `json:"threadID"`
	ChannelID string `json:"channelID,omitempty"`
	SessionID string `json:"sessionID"`
	Directory string `json:"directory"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Binding statuses.
const (
	BindingIdle   = "idle"
	BindingBusy   = "busy"
	BindingFailed = "error"
)

// Status is the agent-side run status of a session.
type Status struct {
	Type    string `json:"type"` // "idle" | "busy" | "retry"
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`
	Next    int64  `json:"next,omitempty"`
}

// Media is an attachment sent alongside a prompt.
type Media struct {
	Mime     string `json:"mime"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url"`
}

// Overrides are per-turn choices that take precedence over stored preferences.
type Overrides struct {
	Model     string `json:"model,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Variant   string `json:"variant,omitempty"`
	Command   string `json:"command,omitempty"`
	ChannelID string `json:"channelID,omitempty"`
	Directory string `json:"directory,omitempty"`
	UserID    string `json:"userID,omitempty"`
}

// Worktree records the git worktree a thread runs in.
type Worktree struct {
	ThreadID  string `json:"threadID"`
	Name      string `json:"name"`
	Directory string `json:"directory"`
	Branch    string `json:"branch"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}
