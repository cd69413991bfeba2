package content

import (
	"fmt"
	"unicode/utf8"

	"xhs-toolkit/internal/platform"
	"xhs-toolkit/pkg/types"
)

// ValidationKind identifies which platform rule a request violated.
type ValidationKind string

const (
	KindTitleTooLong   ValidationKind = "title_too_long"
	KindContentTooLong ValidationKind = "content_too_long"
	KindTooManyImages  ValidationKind = "too_many_images"
	KindTooManyTopics  ValidationKind = "too_many_topics"
	KindMediaConflict  ValidationKind = "media_conflict"
	KindEmptyNote      ValidationKind = "empty_note"
)

// ValidationError reports a caller-fixable rule violation. It is returned
// synchronously and never results in a task being created.
type ValidationError struct {
	Kind    ValidationKind
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func violation(kind ValidationKind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validate enforces the platform ceilings against normalized content. Lengths
// are counted in characters, not bytes, so CJK text and emoji count as the
// platform counts them.
func Validate(note types.NoteContent) error {
	if n := utf8.RuneCountInString(note.Title); n > platform.MaxTitleLength {
		return violation(KindTitleTooLong, "title is %d characters, limit is %d", n, platform.MaxTitleLength)
	}
	if n := utf8.RuneCountInString(note.Content); n > platform.MaxContentLength {
		return violation(KindContentTooLong, "content is %d characters, limit is %d", n, platform.MaxContentLength)
	}
	if len(note.Images) > platform.MaxImages {
		return violation(KindTooManyImages, "got %d images, limit is %d", len(note.Images), platform.MaxImages)
	}
	if len(note.Topics) > platform.MaxTopics {
		return violation(KindTooManyTopics, "got %d topics, limit is %d", len(note.Topics), platform.MaxTopics)
	}
	if note.Video != nil && len(note.Images) > 0 {
		return violation(KindMediaConflict, "a note cannot carry both images and a video")
	}
	if note.Title == "" && note.Content == "" && len(note.Images) == 0 && note.Video == nil {
		return violation(KindEmptyNote, "note has no title, content, or media")
	}
	return nil
}
