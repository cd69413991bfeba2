package content

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"xhs-toolkit/pkg/types"
)

func TestFlexStringsAcceptsStringAndList(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{"comma string", `"a.jpg, b.jpg,,c.jpg"`, []string{"a.jpg", "b.jpg", "c.jpg"}},
		{"list", `["a.jpg","b.jpg"]`, []string{"a.jpg", "b.jpg"}},
		{"list with embedded commas", `["a.jpg,b.jpg","c.jpg"]`, []string{"a.jpg", "b.jpg", "c.jpg"}},
		{"null", `null`, nil},
		{"empty string", `""`, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got FlexStrings
			if err := json.Unmarshal([]byte(tc.raw), &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(got) == 0 && len(tc.want) == 0 {
				return
			}
			if !reflect.DeepEqual([]string(got), tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFlexStringsRejectsOtherShapes(t *testing.T) {
	var got FlexStrings
	if err := json.Unmarshal([]byte(`42`), &got); err == nil {
		t.Fatal("expected error for numeric input")
	}
}

func TestNormalizeClassifiesImages(t *testing.T) {
	note, warnings, err := Normalize(PublishInput{
		Title:   "T",
		Content: "C",
		Images:  []string{"a.jpg", "https://h/b.jpg"},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	want := []types.MediaRef{
		{Kind: types.MediaLocal, Ref: "a.jpg"},
		{Kind: types.MediaRemote, Ref: "https://h/b.jpg"},
	}
	if !reflect.DeepEqual(note.Images, want) {
		t.Fatalf("images = %v, want %v", note.Images, want)
	}
}

func TestNormalizeTopicsDedupAndMarker(t *testing.T) {
	note, _, err := Normalize(PublishInput{
		Title:  "T",
		Topics: []string{"食", "#食", "旅", " 旅 ", ""},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := []string{"食", "旅"}
	if !reflect.DeepEqual(note.Topics, want) {
		t.Fatalf("topics = %v, want %v", note.Topics, want)
	}
}

func TestNormalizeCapsTopicsSilently(t *testing.T) {
	topics := make([]string, 0, 12)
	for _, r := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		topics = append(topics, r)
	}
	note, warnings, err := Normalize(PublishInput{Title: "T", Topics: topics})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(note.Topics) != 10 {
		t.Fatalf("topics capped at %d, want 10", len(note.Topics))
	}
	if len(warnings) != 0 {
		t.Fatalf("topic truncation should be silent, got %v", warnings)
	}
}

func TestNormalizeKeepsFirstVideoWithWarning(t *testing.T) {
	note, warnings, err := Normalize(PublishInput{
		Title:  "T",
		Videos: []string{"/tmp/a.mp4", "/tmp/b.mp4"},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if note.Video == nil || note.Video.Ref != "/tmp/a.mp4" {
		t.Fatalf("video = %+v, want first entry", note.Video)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want one dropped-video warning", warnings)
	}
}

func TestNormalizePreservesNonASCII(t *testing.T) {
	in := "美食分享 🍜 今日推荐"
	note, _, err := Normalize(PublishInput{Title: in, Content: in})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if note.Title != in || note.Content != in {
		t.Fatalf("non-ASCII content was altered: %q / %q", note.Title, note.Content)
	}
}

func TestValidateRules(t *testing.T) {
	video := types.MediaRef{Kind: types.MediaLocal, Ref: "/tmp/v.mp4"}
	longTitle := strings.Repeat("x", 51)
	cjkTitle := strings.Repeat("美", 50)

	cases := []struct {
		name    string
		note    types.NoteContent
		wantErr ValidationKind
	}{
		{"title over limit", types.NoteContent{Title: longTitle}, KindTitleTooLong},
		{"title at rune limit ok", types.NoteContent{Title: cjkTitle}, ""},
		{"content over limit", types.NoteContent{Title: "T", Content: strings.Repeat("y", 1001)}, KindContentTooLong},
		{"too many images", types.NoteContent{Title: "T", Images: repeatImages(10)}, KindTooManyImages},
		{"image video conflict", types.NoteContent{Title: "T", Images: repeatImages(1), Video: &video}, KindMediaConflict},
		{"empty note", types.NoteContent{}, KindEmptyNote},
		{"video only ok", types.NoteContent{Title: "T", Video: &video}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.note)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			verr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if verr.Kind != tc.wantErr {
				t.Fatalf("kind = %s, want %s", verr.Kind, tc.wantErr)
			}
		})
	}
}

func repeatImages(n int) []types.MediaRef {
	out := make([]types.MediaRef, n)
	for i := range out {
		out[i] = types.MediaRef{Kind: types.MediaLocal, Ref: "a.jpg"}
	}
	return out
}
