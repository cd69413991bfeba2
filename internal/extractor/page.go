package extractor

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"xhs-toolkit/internal/platform"
	"xhs-toolkit/pkg/types"
)

// Selector fallbacks for each field, tried in order. The site's markup is
// versioned and unstable, so every field keeps a tail of older selectors.
var (
	titleSelectors  = []string{"#detail-title", ".title", ".note-title", "h1"}
	descSelectors   = []string{"#detail-desc", ".desc", ".note-content", ".content"}
	authorSelectors = []string{".username", ".author .name", ".user-name", ".nickname"}
	timeSelectors   = []string{".date", ".publish-time", "time"}
)

// jsonLDArticle is the subset of schema.org Article the note pages embed.
type jsonLDArticle struct {
	Type          string `json:"@type"`
	Headline      string `json:"headline"`
	Description   string `json:"description"`
	DatePublished string `json:"datePublished"`
	Author        struct {
		Name string `json:"name"`
	} `json:"author"`
}

// parsePage fills the result from the fetched markup. Each field is
// extracted independently; one miss never aborts the rest.
func parsePage(result *types.ParsedPage, body []byte) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return
	}

	article := findJSONLD(doc)
	if article != nil && result.PageType == types.PageUnknown {
		result.PageType = types.PageNote
	}

	result.Title = extractTitle(doc, article)
	result.TextContent = extractText(doc, article)
	result.Author, result.AuthorID = extractAuthor(doc, article)
	result.Images = extractImages(doc)
	result.Tags = extractTags(doc, result.TextContent)
	result.Metrics = extractMetrics(doc)
	result.PublishTime = extractPublishTime(doc, article)
	result.Location = firstText(doc, []string{".location", "[class*='location']"})

	result.Stats = types.PageStats{
		ImageCount: len(result.Images),
		TagCount:   len(result.Tags),
		HasAuthor:  result.Author != "",
		HasContent: result.TextContent != "",
	}
}

// findJSONLD returns the first schema.org Article block, if any.
func findJSONLD(doc *goquery.Document) *jsonLDArticle {
	var found *jsonLDArticle
	doc.Find("script[type='application/ld+json']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var article jsonLDArticle
		if err := json.Unmarshal([]byte(s.Text()), &article); err != nil {
			return true
		}
		if strings.EqualFold(article.Type, "Article") {
			found = &article
			return false
		}
		return true
	})
	return found
}

func extractTitle(doc *goquery.Document, article *jsonLDArticle) string {
	if article != nil && article.Headline != "" {
		return strings.TrimSpace(article.Headline)
	}
	if t := firstText(doc, titleSelectors); t != "" {
		return t
	}
	if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok {
		return strings.TrimSpace(og)
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func extractText(doc *goquery.Document, article *jsonLDArticle) string {
	if t := firstText(doc, descSelectors); t != "" {
		return t
	}
	if article != nil && article.Description != "" {
		return strings.TrimSpace(article.Description)
	}
	if og, ok := doc.Find("meta[name='description']").Attr("content"); ok {
		return strings.TrimSpace(og)
	}
	// Last resort: walk the note container directly.
	if sel := doc.Find(".note-container, #noteContainer").First(); sel.Length() > 0 {
		var sb strings.Builder
		for _, n := range sel.Nodes {
			textFromNode(n, &sb)
		}
		return strings.TrimSpace(sb.String())
	}
	return ""
}

func extractAuthor(doc *goquery.Document, article *jsonLDArticle) (string, string) {
	name := firstText(doc, authorSelectors)
	if name == "" && article != nil {
		name = strings.TrimSpace(article.Author.Name)
	}

	var authorID string
	doc.Find("a[href*='/user/profile/']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if idx := strings.Index(href, "/user/profile/"); idx >= 0 {
			id := href[idx+len("/user/profile/"):]
			if cut := strings.IndexAny(id, "?/"); cut >= 0 {
				id = id[:cut]
			}
			if id != "" {
				authorID = id
				return false
			}
		}
		return true
	})
	return name, authorID
}

// extractImages collects note images from og:image metas and inline img
// tags, keeps only platform CDN hosts, de-duplicates, and caps at the
// platform image ceiling.
func extractImages(doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	images := make([]string, 0, platform.MaxImages)

	add := func(src string) {
		src = strings.TrimSpace(src)
		if src == "" || len(images) >= platform.MaxImages {
			return
		}
		if !noteImageURL(src) {
			return
		}
		if _, dup := seen[src]; dup {
			return
		}
		seen[src] = struct{}{}
		images = append(images, src)
	}

	doc.Find("meta[property='og:image']").Each(func(_ int, s *goquery.Selection) {
		if content, ok := s.Attr("content"); ok {
			add(content)
		}
	})
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			add(src)
		} else if src, ok := s.Attr("data-src"); ok {
			add(src)
		}
	})
	return images
}

// noteImageURL filters out avatars, icons, and third-party images by
// keeping only the platform's CDN hosts.
func noteImageURL(src string) bool {
	lower := strings.ToLower(src)
	if !strings.HasPrefix(lower, "http") {
		return false
	}
	return strings.Contains(lower, "xhscdn.com") || strings.Contains(lower, "xiaohongshu.com")
}

func extractTags(doc *goquery.Document, text string) []string {
	seen := make(map[string]struct{})
	tags := make([]string, 0, 8)
	add := func(tag string) {
		tag = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
		if tag == "" {
			return
		}
		if _, dup := seen[tag]; dup {
			return
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}

	doc.Find("a[href*='/topic/'], .tag, [class*='hash-tag']").Each(func(_ int, s *goquery.Selection) {
		if t := s.Text(); strings.HasPrefix(strings.TrimSpace(t), "#") {
			add(t)
		}
	})

	// Inline "#tag" tokens in the body text, for pages without tag anchors.
	for _, field := range strings.Fields(text) {
		if strings.HasPrefix(field, "#") && len(field) > 1 {
			add(field)
		}
	}
	return tags
}

func extractMetrics(doc *goquery.Document) types.PageMetrics {
	return types.PageMetrics{
		Likes:    firstCount(doc, []string{".like-wrapper .count", "[class*='like'] .count", ".like-count"}),
		Comments: firstCount(doc, []string{".chat-wrapper .count", "[class*='comment'] .count", ".comment-count"}),
		Shares:   firstCount(doc, []string{".share-wrapper .count", "[class*='share'] .count", ".share-count"}),
	}
}

func extractPublishTime(doc *goquery.Document, article *jsonLDArticle) string {
	if t := firstText(doc, timeSelectors); t != "" {
		return t
	}
	if article != nil {
		return strings.TrimSpace(article.DatePublished)
	}
	return ""
}

// firstText returns the trimmed text of the first selector that matches a
// non-empty element.
func firstText(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return normalizeWhitespace(text)
		}
	}
	return ""
}

func firstCount(doc *goquery.Document, selectors []string) int {
	for _, sel := range selectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			if n, ok := parseCount(text); ok {
				return n
			}
		}
	}
	return 0
}

// parseCount understands the site's abbreviated numbers: "345", "1.2万"
// (ten-thousands), "3.4亿" (hundred-millions).
func parseCount(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	multiplier := 1.0
	switch {
	case strings.HasSuffix(raw, "万"):
		multiplier = 10_000
		raw = strings.TrimSuffix(raw, "万")
	case strings.HasSuffix(raw, "亿"):
		multiplier = 100_000_000
		raw = strings.TrimSuffix(raw, "亿")
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return int(value * multiplier), true
}

// normalizeWhitespace collapses runs of whitespace into single spaces while
// keeping the characters themselves untouched.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// textFromNode walks an HTML subtree accumulating visible text. Kept for
// pages whose body lives outside the known selectors.
func textFromNode(node *html.Node, sb *strings.Builder) {
	if node == nil {
		return
	}
	switch node.Type {
	case html.TextNode:
		if text := normalizeWhitespace(node.Data); text != "" {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(text)
		}
	case html.ElementNode:
		tag := strings.ToLower(node.Data)
		if tag == "script" || tag == "style" || tag == "noscript" {
			return
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		textFromNode(child, sb)
	}
}
