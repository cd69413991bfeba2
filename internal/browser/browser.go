// Package browser drives the xiaohongshu creator site through a real
// browser. It is the only package that touches the remote platform; callers
// serialize access through the session lock.
package browser

import (
	"context"
	"errors"

	"xhs-toolkit/internal/cookiestore"
	"xhs-toolkit/pkg/types"
)

// StagedMedia holds local file paths ready for upload. Remote images have
// already been downloaded by the time a backend sees them.
type StagedMedia struct {
	ImagePaths []string
	VideoPath  string
}

// HasVideo reports whether the staged media is a video note.
func (m StagedMedia) HasVideo() bool {
	return m.VideoPath != ""
}

// Stage labels the coarse phases of a publish flow, reported through a
// StageFunc so the caller can keep task state in step with the browser.
type Stage string

const (
	StageUploading  Stage = "uploading"
	StageSubmitting Stage = "submitting"
)

// StageFunc receives phase notifications during Publish. May be nil.
type StageFunc func(stage Stage)

// Backend is the full automation surface: interactive login, session
// verification, and note publication.
type Backend interface {
	Login(ctx context.Context) (cookiestore.Jar, error)
	CheckSession(ctx context.Context, jar cookiestore.Jar) (bool, error)
	Publish(ctx context.Context, jar cookiestore.Jar, note types.NoteContent, media StagedMedia, progress StageFunc) (types.PublishResult, error)
}

// ErrSessionExpired signals that the remote side no longer accepts the
// cookie jar; the caller should re-login rather than retry.
var ErrSessionExpired = errors.New("session expired")

// ErrSubmissionRejected signals that the platform refused the publish
// request itself. Retrying with the same content is unlikely to help.
var ErrSubmissionRejected = errors.New("publish submission rejected")
