package types

import "time"

// FileWrite is one (path, content) tuple in a FileChange batch.
// OriginalContent, when present, lets the requester revert the write later.
type FileWrite struct {
	Path            string  `json:"path"`
	NewContent      string  `json:"new_content"`
	OriginalContent *string `json:"original_content,omitempty"`
}

// FileChange is a batch of file writes destined for one environment. It is
// owned by the external edit loop; the core only consumes it through the
// exec bridge and reports success or failure back.
type FileChange struct {
	Id            uint        `json:"id"`
	ExternalId    string      `json:"external_id"`
	EnvironmentId uint        `json:"environment_id"`
	Files         []FileWrite `json:"files"`

	Applied  bool   `json:"applied"`
	Reverted bool   `json:"reverted"`
	Error    string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Terminal reports whether the change has already been resolved; terminal
// changes are never re-executed.
func (f *FileChange) Terminal() bool {
	return f.Applied || f.Reverted || f.Error != ""
}

// CommandStatus is the lifecycle state of a BashCommand.
type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "pending"
	CommandStatusRunning   CommandStatus = "running"
	CommandStatusCompleted CommandStatus = "completed"
	CommandStatusFailed    CommandStatus = "failed"
)

// BashCommand is a single shell command destined for one environment.
type BashCommand struct {
	Id            uint   `json:"id"`
	ExternalId    string `json:"external_id"`
	EnvironmentId uint   `json:"environment_id"`
	Command       string `json:"command"`

	Status   CommandStatus `json:"status"`
	Output   string        `json:"output,omitempty"`
	ExitCode *int          `json:"exit_code,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the command already ran to completion or failure.
func (b *BashCommand) Terminal() bool {
	return b.Status == CommandStatusCompleted || b.Status == CommandStatusFailed
}
