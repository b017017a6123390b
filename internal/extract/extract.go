// Package extract recovers structured product records from semi-structured,
// inconsistently labeled markup. Every field is resolved through an ordered
// fallback chain; only price and title are mandatory.
package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/kareemsasa3/silkworm/internal/types"
)

const (
	maxTitleLength = 150
	minTitleLength = 5
	maxFieldLength = 120
)

// Product URL shape and exclusions for the target site.
var (
	productHostPattern = regexp.MustCompile(`(item\.taobao\.com|detail\.tmall\.com|item\.htm)`)
	identifierPattern  = regexp.MustCompile(`[?&]id=(\d+)`)
	pricePattern       = regexp.MustCompile(`[¥￥]\s*([\d,]+(?:\.\d+)?)`)
	salesPattern       = regexp.MustCompile(`([\d.]+万?\+?)\s*(?:人付款|人收货|已售)`)

	exclusionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`cart\.taobao`),
		regexp.MustCompile(`login\.taobao`),
		regexp.MustCompile(`shop\d+\.taobao`),
		regexp.MustCompile(`shopsearch`),
		regexp.MustCompile(`uland\.taobao`),
		regexp.MustCompile(`click\.simba`),
		regexp.MustCompile(`re\.taobao\.com`),
	}

	// containerClassPattern identifies a card/item ancestor during the
	// nearest-container walk.
	containerClassPattern = regexp.MustCompile(`(?i)(card|item|product|goods|feed)`)
)

// Logger is the logging subset the engine needs.
type Logger interface {
	Debug(format string, v ...interface{})
	Warn(format string, v ...interface{})
}

// Recorder is the metrics subset the engine feeds.
type Recorder interface {
	RecordExtracted(n int)
	RecordDropped(reason string)
}

// Engine extracts records from rendered page snapshots.
type Engine struct {
	logger Logger
	rec    Recorder
}

// NewEngine builds an extraction engine. rec may be nil.
func NewEngine(log Logger, rec Recorder) *Engine {
	return &Engine{logger: log, rec: rec}
}

// ExtractListing pulls every product record from one rendered listing page.
// visible, when non-nil, is the set of anchor hrefs that passed the rendered
// size floor; anchors outside a recognizable card container that are not in
// the set are treated as tracking pixels. Records are deduplicated within
// the page, first occurrence wins.
func (e *Engine) ExtractListing(html string, task types.SearchTask, pageIndex int, visible map[string]bool) ([]types.ProductRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}

	var records []types.ProductRecord
	seen := make(map[string]bool)

	doc.Find("a[href]").Each(func(_ int, anchor *goquery.Selection) {
		href, _ := anchor.Attr("href")
		href = absolizeURL(href)

		id, ok := candidateIdentifier(href)
		if !ok {
			return
		}
		if seen[id] {
			e.drop("duplicate_in_page")
			return
		}

		container, hasCard := nearestContainer(anchor)
		if !hasCard && visible != nil && !visible[href] {
			e.drop("size_floor")
			return
		}

		price, ok := resolvePrice(anchor, container)
		if !ok {
			e.drop("no_price")
			return
		}
		title, ok := resolveTitle(anchor, container)
		if !ok {
			e.drop("no_title")
			return
		}

		seen[id] = true
		rec := types.ProductRecord{
			Identifier:  id,
			Title:       title,
			Price:       price,
			ImageURL:    resolveImage(anchor, container),
			DetailURL:   href,
			SourceTask:  task.Name,
			Category:    task.Category,
			PageIndex:   pageIndex,
			ExtractedAt: time.Now(),
		}
		applyListingExtras(&rec, container)
		records = append(records, rec)
	})

	if e.rec != nil {
		e.rec.RecordExtracted(len(records))
	}
	e.logger.Debug("extracted %d records from page %d", len(records), pageIndex)
	return records, nil
}

func (e *Engine) drop(reason string) {
	if e.rec != nil {
		e.rec.RecordDropped(reason)
	}
}

// candidateIdentifier validates the URL shape and returns the numeric id.
func candidateIdentifier(href string) (string, bool) {
	if href == "" || !productHostPattern.MatchString(href) {
		return "", false
	}
	for _, excl := range exclusionPatterns {
		if excl.MatchString(href) {
			return "", false
		}
	}
	m := identifierPattern.FindStringSubmatch(href)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// nearestContainer walks up from the anchor to the first ancestor whose
// class looks like a card/item wrapper. Without one it falls back to the
// immediate parent and reports hasCard=false.
func nearestContainer(anchor *goquery.Selection) (*goquery.Selection, bool) {
	node := anchor.Parent()
	for depth := 0; depth < 6 && node.Length() > 0; depth++ {
		if cls, ok := node.Attr("class"); ok && containerClassPattern.MatchString(cls) {
			return node, true
		}
		node = node.Parent()
	}
	parent := anchor.Parent()
	if parent.Length() == 0 {
		return anchor, false
	}
	return parent, false
}

// resolvePrice is a required-field chain: a price-labeled element scoped to
// the container, then a currency-token scan of the combined text.
func resolvePrice(anchor, container *goquery.Selection) (string, bool) {
	if labeled := container.Find(`[class*="price"]`).First(); labeled.Length() > 0 {
		if p, ok := ParsePrice(labeled.Text()); ok {
			return p, true
		}
	}
	if p, ok := ParsePrice(container.Text()); ok {
		return p, true
	}
	// The container can be a sibling wrapper that misses the anchor's own
	// text in some feed layouts.
	return ParsePrice(anchor.Text())
}

// ParsePrice extracts the first currency-prefixed numeric token from text
// and normalizes it to a decimal string without thousands separators.
func ParsePrice(text string) (string, bool) {
	m := pricePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.ReplaceAll(m[1], ",", ""), true
}

// resolveTitle is a required-field chain: labeled title node, the anchor's
// title attribute, the first plausible text line, then image alt/title.
func resolveTitle(anchor, container *goquery.Selection) (string, bool) {
	if node := container.Find(`h3, h4, span[class*="title"], div[class*="title"]`).First(); node.Length() > 0 {
		if t := cleanTitle(node.Text()); t != "" {
			return t, true
		}
	}
	if t, ok := anchor.Attr("title"); ok {
		if t = cleanTitle(t); t != "" {
			return t, true
		}
	}
	for _, line := range strings.Split(container.Text(), "\n") {
		line = strings.TrimSpace(line)
		if len([]rune(line)) >= minTitleLength && !strings.ContainsAny(line, "¥￥") {
			if t := cleanTitle(line); t != "" {
				return t, true
			}
		}
	}
	img := container.Find("img").First()
	for _, attr := range []string{"alt", "title"} {
		if t, ok := img.Attr(attr); ok {
			if t = cleanTitle(t); t != "" {
				return t, true
			}
		}
	}
	return "", false
}

// cleanTitle trims, enforces the minimum length, and truncates.
func cleanTitle(raw string) string {
	t := strings.TrimSpace(raw)
	runes := []rune(t)
	if len(runes) < minTitleLength {
		return ""
	}
	if len(runes) > maxTitleLength {
		t = string(runes[:maxTitleLength])
	}
	return t
}

// resolveImage prefers a real src over lazy-load data attributes.
func resolveImage(anchor, container *goquery.Selection) string {
	img := container.Find("img").First()
	if img.Length() == 0 {
		img = anchor.Find("img").First()
	}
	if img.Length() == 0 {
		return ""
	}
	for _, attr := range []string{"src", "data-src", "data-lazy-src", "data-ks-lazyload"} {
		if v, ok := img.Attr(attr); ok && v != "" {
			return absolizeURL(v)
		}
	}
	return ""
}

// applyListingExtras fills the optional fields visible on listing cards.
// Each chain is independent; absence never fails the record.
func applyListingExtras(rec *types.ProductRecord, container *goquery.Selection) {
	text := container.Text()
	if m := salesPattern.FindStringSubmatch(text); m != nil {
		rec.SalesCount = m[1]
	}
	if shop := firstText(container, []string{
		`[class*="shopName"]`,
		`[class*="shop-name"]`,
		`[class*="seller"]`,
	}); shop != "" {
		rec.ShopName = clamp(shop, maxFieldLength)
	}
	if loc := firstText(container, []string{
		`[class*="procity"]`,
		`[class*="location"]`,
		`[class*="area"]`,
	}); loc != "" {
		rec.Location = clamp(loc, maxFieldLength)
	}
}

// firstText returns the first selector's trimmed text, in order.
func firstText(root *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		if node := root.Find(sel).First(); node.Length() > 0 {
			if t := strings.TrimSpace(node.Text()); t != "" {
				return t
			}
		}
	}
	return ""
}

func clamp(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}

// absolizeURL rewrites protocol-relative URLs to https.
func absolizeURL(u string) string {
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return u
}
