package types

// PageType classifies a xiaohongshu page by its URL shape and markup.
type PageType string

const (
	PageNote    PageType = "note"
	PageUser    PageType = "user"
	PageTopic   PageType = "topic"
	PageUnknown PageType = "unknown"
)

// PageMetrics holds interaction counts extracted from a page. A zero value
// means the count was not found, not that it is zero on the platform.
type PageMetrics struct {
	Likes    int `json:"likes"`
	Comments int `json:"comments"`
	Shares   int `json:"shares"`
}

// PageStats reflects what the extractor actually found, not what a page of
// the detected type is expected to carry.
type PageStats struct {
	ImageCount int  `json:"image_count"`
	TagCount   int  `json:"tag_count"`
	HasAuthor  bool `json:"has_author"`
	HasContent bool `json:"has_content"`
}

// ParsedPage is the result of one URL extraction. Extraction is best-effort
// per field; Success is false only when nothing could be fetched at all.
type ParsedPage struct {
	Success      bool        `json:"success"`
	URL          string      `json:"url"`
	PageType     PageType    `json:"page_type,omitempty"`
	Title        string      `json:"title,omitempty"`
	TextContent  string      `json:"text_content,omitempty"`
	Author       string      `json:"author,omitempty"`
	AuthorID     string      `json:"author_id,omitempty"`
	Images       []string    `json:"images,omitempty"`
	Tags         []string    `json:"tags,omitempty"`
	Metrics      PageMetrics `json:"metrics"`
	PublishTime  string      `json:"publish_time,omitempty"`
	Location     string      `json:"location,omitempty"`
	Stats        PageStats   `json:"parsing_stats"`
	ErrorMessage string      `json:"error_message,omitempty"`
	RawHTML      string      `json:"raw_html,omitempty"`
}
