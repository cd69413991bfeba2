package platform

// Selector lists are ordered by priority; the backend tries each until one
// matches a visible element. The publish page markup changes without notice,
// so every interaction keeps a list of fallbacks.

// FileUploadSelectors locate the hidden file input on the publish page.
var FileUploadSelectors = []string{
	".upload-input",
	"input[type='file']",
	"[class*='upload'][type='file']",
}

// CreatorTabSelector matches the image/video mode tabs.
const CreatorTabSelector = ".creator-tab"

// Tab labels used to pick the publish mode.
const (
	ImageTabText = "上传图文"
	VideoTabText = "上传视频"
)

// TitleInputSelectors locate the note title field.
var TitleInputSelectors = []string{
	".d-text",
	"[placeholder*='标题']",
}

// ContentEditorSelectors locate the rich-text body editor. The publish page
// has moved between editor frameworks, hence the long tail.
var ContentEditorSelectors = []string{
	".tiptap.ProseMirror",
	".tiptap",
	".ProseMirror",
	"div.tiptap[contenteditable='true']",
	"div[contenteditable='true'][role='textbox']",
	"[data-placeholder*='输入正文描述']",
	"[contenteditable='true'][tabindex='0']",
	"[role='textbox'][contenteditable='true']",
	"div[contenteditable='true']",
	"[contenteditable='true']",
	".ql-editor",
	".public-DraftEditor-content",
}

// PublishButtonSelectors locate the submit button.
var PublishButtonSelectors = []string{
	".publishBtn",
	"[class*='publish']",
	"button[type='submit']",
}

// Upload progress markers.
const (
	UploadSuccessText = "上传成功"
)

// Commercial goods flow selectors.
var (
	CommercialDropdownSelector = "div.description-collapse"
	CommercialAddSelector      = "div.multi-good-select-empty-btn"
	CommercialCheckboxSelector = "span.d-checkbox-simulator"
	CommercialSaveSelector     = "button.d-button-with-content"
	CommercialSaveText         = "保存"
)
