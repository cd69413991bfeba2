package api

import (
	"time"

	"xhs-toolkit/internal/content"
	"xhs-toolkit/internal/session"
	"xhs-toolkit/pkg/types"
)

// PublishNoteRequest captures the payload used to publish a note. Media and
// topic fields accept either a JSON array or a comma-separated string.
type PublishNoteRequest struct {
	Title        string              `json:"title"`
	Content      string              `json:"content"`
	Images       content.FlexStrings `json:"images,omitempty"`
	Videos       content.FlexStrings `json:"videos,omitempty"`
	Topics       content.FlexStrings `json:"topics,omitempty"`
	Location     string              `json:"location,omitempty"`
	IsCommercial bool                `json:"is_commercial,omitempty"`
}

// PublishNoteResponse acknowledges that a publish task was queued.
type PublishNoteResponse struct {
	TaskID        string        `json:"task_id"`
	State         string        `json:"state"`
	ParsingResult ParsingResult `json:"parsing_result"`
	Warnings      []string      `json:"warnings,omitempty"`
}

// ParsingResult echoes what the normalizer understood from the payload.
type ParsingResult struct {
	ContentType string `json:"content_type"`
	ImageCount  int    `json:"image_count"`
	HasVideo    bool   `json:"has_video"`
	TopicCount  int    `json:"topic_count"`
}

func parsingResultFrom(note types.NoteContent) ParsingResult {
	return ParsingResult{
		ContentType: note.ContentType(),
		ImageCount:  len(note.Images),
		HasVideo:    note.Video != nil,
		TopicCount:  len(note.Topics),
	}
}

// TaskStatusResponse reports the current lifecycle stage of a task.
type TaskStatusResponse struct {
	TaskID         string     `json:"task_id"`
	State          string     `json:"state"`
	Progress       int        `json:"progress"`
	Message        string     `json:"message,omitempty"`
	Attempts       int        `json:"attempts"`
	IsCompleted    bool       `json:"is_completed"`
	ElapsedSeconds float64    `json:"elapsed_seconds"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Archived       bool       `json:"archived,omitempty"`
}

// TaskResultResponse carries the outcome of a finished task.
type TaskResultResponse struct {
	TaskID string               `json:"task_id"`
	State  string               `json:"state"`
	Result *types.PublishResult `json:"result,omitempty"`
	Error  *types.ErrorRecord   `json:"error,omitempty"`
}

// LoginRequest controls how a login attempt behaves.
type LoginRequest struct {
	ForceRelogin bool `json:"force_relogin,omitempty"`
	QuickMode    bool `json:"quick_mode,omitempty"`
}

// LoginResponse reports the outcome of a login attempt.
type LoginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Action  string `json:"action"`
	Status  string `json:"status"`
	Mode    string `json:"mode"`
}

func loginResponseFrom(outcome session.LoginOutcome) LoginResponse {
	return LoginResponse{
		Success: outcome.Success,
		Message: outcome.Message,
		Action:  outcome.Action,
		Status:  outcome.Status,
		Mode:    outcome.Mode,
	}
}

// ParseURLRequest asks for content extraction from a page URL.
type ParseURLRequest struct {
	URL            string `json:"url"`
	IncludeRawHTML bool   `json:"include_raw_html,omitempty"`
}

func taskStatusFrom(snap types.TaskSnapshot, archived bool) TaskStatusResponse {
	elapsed := time.Since(snap.CreatedAt)
	if snap.CompletedAt != nil {
		elapsed = snap.CompletedAt.Sub(snap.CreatedAt)
	}
	return TaskStatusResponse{
		TaskID:         snap.TaskID,
		State:          string(snap.State),
		Progress:       snap.Progress,
		Message:        snap.Message,
		Attempts:       snap.Attempts,
		IsCompleted:    snap.State.Terminal(),
		ElapsedSeconds: elapsed.Seconds(),
		CreatedAt:      snap.CreatedAt,
		UpdatedAt:      snap.UpdatedAt,
		CompletedAt:    snap.CompletedAt,
		Archived:       archived,
	}
}
