package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/kareemsasa3/silkworm/internal/types"
)

// Caps on optional detail payloads.
const (
	maxSpecEntries      = 40
	maxSpecValueLength  = 200
	maxSKUGroups        = 10
	maxSKUValues        = 30
	maxExtraImages      = 8
	maxShippingNoteSize = 100
)

var (
	ratingPattern  = regexp.MustCompile(`([0-5](?:\.\d)?)\s*分?`)
	reviewPattern  = regexp.MustCompile(`([\d,.]+万?)\s*(?:条?评价|人评价|reviews?)`)
	inStockPattern = regexp.MustCompile(`(有货|现货|库存\s*[1-9])`)
	specSeparator  = regexp.MustCompile(`[:：]`)
)

// ApplyDetail enriches rec from its own rendered detail page. Every field is
// optional: an unresolved chain is simply omitted and never fails the
// record. Enriched is set when the page parsed at all.
func (e *Engine) ApplyDetail(html string, rec *types.ProductRecord) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fmt.Errorf("parse detail html: %w", err)
	}
	root := doc.Selection

	if shop := firstText(root, []string{
		".tb-shop-name",
		".slogo-shopname",
		`[class*="shopName"]`,
		`[class*="shop-name"]`,
	}); shop != "" {
		rec.ShopName = clamp(shop, maxFieldLength)
	}
	if loc := firstText(root, []string{
		".tb-deliver-addr",
		`[class*="deliveryFrom"]`,
		`[class*="location"]`,
	}); loc != "" {
		rec.Location = clamp(loc, maxFieldLength)
	}
	if note := firstText(root, []string{
		`[class*="postage"]`,
		`[class*="freight"]`,
		`[class*="delivery"]`,
	}); note != "" {
		rec.ShippingNote = clamp(note, maxShippingNoteSize)
	}
	if rating := firstText(root, []string{
		`[class*="tb-rate-score"]`,
		`[class*="ratingScore"]`,
		`[class*="score"]`,
	}); rating != "" {
		if m := ratingPattern.FindStringSubmatch(rating); m != nil {
			rec.RatingScore = m[1]
		}
	}
	if m := reviewPattern.FindStringSubmatch(root.Text()); m != nil {
		rec.ReviewCount = strings.ReplaceAll(m[1], ",", "")
	}
	if stock := firstText(root, []string{
		"#J_SpanStock",
		`[class*="stock"]`,
		`[class*="inventory"]`,
	}); stock != "" && inStockPattern.MatchString(stock) {
		rec.StockKnown = true
	}

	applySpecifications(rec, root)
	applySKUOptions(rec, root)
	applyExtraImages(rec, root)

	rec.Enriched = true
	return nil
}

// applySpecifications reads the attribute table, splitting each entry on the
// first full- or half-width colon. Brand is lifted out when labeled.
func applySpecifications(rec *types.ProductRecord, root *goquery.Selection) {
	specs := make(map[string]string)
	root.Find(".tb-attributes li, #J_AttrUL li, [class*='attributes'] li, table[class*='spec'] tr").
		EachWithBreak(func(_ int, node *goquery.Selection) bool {
			parts := specSeparator.Split(strings.TrimSpace(node.Text()), 2)
			if len(parts) != 2 {
				return true
			}
			label := strings.TrimSpace(parts[0])
			value := clamp(strings.TrimSpace(parts[1]), maxSpecValueLength)
			if label == "" || value == "" {
				return true
			}
			specs[label] = value
			return len(specs) < maxSpecEntries
		})
	if len(specs) == 0 {
		return
	}
	rec.Specifications = specs
	for _, label := range []string{"品牌", "Brand", "brand"} {
		if v, ok := specs[label]; ok {
			rec.Brand = v
			break
		}
	}
}

// applySKUOptions reads the option groups (color, size and such) with their
// value lists, both bounded.
func applySKUOptions(rec *types.ProductRecord, root *goquery.Selection) {
	options := make(map[string][]string)
	root.Find(".tb-sku .tb-prop, [class*='sku'] [class*='prop']").
		EachWithBreak(func(_ int, group *goquery.Selection) bool {
			label := firstText(group, []string{
				".tb-property-type",
				`[class*="propTitle"]`,
				"dt",
			})
			if label == "" {
				return true
			}
			var values []string
			group.Find("li, dd a").EachWithBreak(func(_ int, v *goquery.Selection) bool {
				if t := strings.TrimSpace(v.Text()); t != "" {
					values = append(values, clamp(t, maxFieldLength))
				}
				return len(values) < maxSKUValues
			})
			if len(values) > 0 {
				options[clamp(label, maxFieldLength)] = values
			}
			return len(options) < maxSKUGroups
		})
	if len(options) > 0 {
		rec.SKUOptions = options
	}
}

// applyExtraImages collects the thumbnail strip, bounded and absolized.
func applyExtraImages(rec *types.ProductRecord, root *goquery.Selection) {
	var images []string
	seen := make(map[string]bool)
	root.Find("#J_UlThumb img, [class*='thumb'] img, [class*='gallery'] img").
		EachWithBreak(func(_ int, img *goquery.Selection) bool {
			for _, attr := range []string{"src", "data-src", "data-ks-lazyload"} {
				if v, ok := img.Attr(attr); ok && v != "" {
					v = absolizeURL(v)
					if !seen[v] && v != rec.ImageURL {
						seen[v] = true
						images = append(images, v)
					}
					break
				}
			}
			return len(images) < maxExtraImages
		})
	if len(images) > 0 {
		rec.AdditionalImages = images
	}
}
