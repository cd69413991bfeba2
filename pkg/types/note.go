package types

import (
	"time"
)

// MediaKind distinguishes media that already lives on disk from media that
// must be downloaded before staging.
type MediaKind string

const (
	MediaLocal  MediaKind = "local"
	MediaRemote MediaKind = "remote"
)

// MediaRef is a single image or video reference after normalization.
type MediaRef struct {
	Kind MediaKind `json:"kind"`
	Ref  string    `json:"ref"`
}

// IsRemote reports whether the reference points at a network URL.
func (m MediaRef) IsRemote() bool {
	return m.Kind == MediaRemote
}

// NoteContent is the canonical, validated form of a publish request.
// Images and Video are mutually exclusive; the validator enforces it.
type NoteContent struct {
	Title        string     `json:"title"`
	Content      string     `json:"content"`
	Images       []MediaRef `json:"images,omitempty"`
	Video        *MediaRef  `json:"video,omitempty"`
	Topics       []string   `json:"topics,omitempty"`
	Location     string     `json:"location,omitempty"`
	IsCommercial bool       `json:"is_commercial,omitempty"`
}

// ContentType classifies the note for response payloads.
func (n NoteContent) ContentType() string {
	switch {
	case len(n.Images) > 0:
		return "image"
	case n.Video != nil:
		return "video"
	default:
		return "text"
	}
}

// TaskState is the lifecycle stage of a publish task.
type TaskState string

const (
	TaskQueued      TaskState = "queued"
	TaskDownloading TaskState = "downloading"
	TaskUploading   TaskState = "uploading"
	TaskPublishing  TaskState = "publishing"
	TaskCompleted   TaskState = "completed"
	TaskFailed      TaskState = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// PublishResult captures the outcome of a successful submission. It is
// created once and never mutated afterwards.
type PublishResult struct {
	NoteTitle   string    `json:"note_title"`
	FinalURL    string    `json:"final_url"`
	PublishedAt time.Time `json:"published_at"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// ErrorRecord describes why a task ended up failed.
type ErrorRecord struct {
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	Attempts   int       `json:"attempts"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TaskSnapshot is a read-only copy of task state for pollers.
type TaskSnapshot struct {
	TaskID      string         `json:"task_id"`
	State       TaskState      `json:"state"`
	Progress    int            `json:"progress"`
	Message     string         `json:"message,omitempty"`
	Attempts    int            `json:"attempts"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      *PublishResult `json:"result,omitempty"`
	Error       *ErrorRecord   `json:"error,omitempty"`
}
