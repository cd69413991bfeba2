// Package content normalizes and validates publish requests before a task
// is ever created. Everything here is pure and synchronous.
package content

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"xhs-toolkit/internal/platform"
	"xhs-toolkit/pkg/types"
)

// FlexStrings accepts either a JSON string (optionally comma separated) or a
// JSON array of strings, so callers may supply "a,b" and ["a","b"]
// interchangeably.
type FlexStrings []string

func (f *FlexStrings) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*f = nil
		return nil
	}
	switch b[0] {
	case '"':
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		*f = splitList(raw)
		return nil
	case '[':
		var items []string
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			out = append(out, splitList(it)...)
		}
		*f = out
		return nil
	default:
		return fmt.Errorf("expected string or array, got %s", string(b))
	}
}

// SplitList breaks a comma-separated value into trimmed, non-empty items.
func SplitList(raw string) []string {
	return splitList(raw)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// PublishInput is the caller-facing shape of a publish request after JSON
// decoding. Image, video, and topic fields are already flattened lists.
type PublishInput struct {
	Title        string
	Content      string
	Images       []string
	Videos       []string
	Topics       []string
	Location     string
	IsCommercial bool
}

// Normalize folds heterogeneous input into canonical NoteContent. Warnings
// report lossy-but-accepted adjustments (for example dropped extra videos);
// hard limit violations are left to Validate.
func Normalize(in PublishInput) (types.NoteContent, []string, error) {
	var warnings []string

	note := types.NoteContent{
		Title:        strings.TrimSpace(in.Title),
		Content:      strings.TrimSpace(in.Content),
		Location:     strings.TrimSpace(in.Location),
		IsCommercial: in.IsCommercial,
	}

	for _, ref := range in.Images {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		note.Images = append(note.Images, classifyMedia(ref))
	}

	videos := trimNonEmpty(in.Videos)
	if len(videos) > 0 {
		v := classifyMedia(videos[0])
		note.Video = &v
		if len(videos) > 1 {
			warnings = append(warnings, fmt.Sprintf("only one video is supported; %d extra dropped", len(videos)-1))
		}
	}

	note.Topics = normalizeTopics(in.Topics)
	if len(note.Topics) > platform.MaxTopics {
		note.Topics = note.Topics[:platform.MaxTopics]
	}

	return note, warnings, nil
}

// classifyMedia treats refs with a network scheme and host as remote and
// everything else as a local filesystem path.
func classifyMedia(ref string) types.MediaRef {
	if u, err := url.Parse(ref); err == nil {
		if (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
			return types.MediaRef{Kind: types.MediaRemote, Ref: ref}
		}
	}
	return types.MediaRef{Kind: types.MediaLocal, Ref: ref}
}

// normalizeTopics strips a single leading "#", trims, and de-duplicates while
// preserving first-seen order.
func normalizeTopics(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.TrimSpace(t)
		t = strings.TrimPrefix(t, "#")
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
