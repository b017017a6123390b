package types

import "time"

// SearchTask identifies one harvesting run. A task with an empty Query
// harvests the personalized homepage feed instead of the search surface.
type SearchTask struct {
	Name     string `json:"name"`
	Query    string `json:"query"`
	Category string `json:"category"`
}

// IsFeed reports whether the task targets the homepage feed rather than
// keyword search.
func (t SearchTask) IsFeed() bool {
	return t.Query == ""
}

// Cookie is one entry of the opaque credential bundle. Field names match the
// JSON layout of the cookie file so a bundle saved by an earlier run (or by a
// browser export) round-trips unchanged.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// ProductRecord is one harvested product. Identifier is the numeric product
// id from the listing URL and is unique across the whole harvest.
type ProductRecord struct {
	Identifier  string    `json:"id"`
	Title       string    `json:"title"`
	Price       string    `json:"price"`
	ImageURL    string    `json:"image_url,omitempty"`
	DetailURL   string    `json:"detail_url"`
	SourceTask  string    `json:"source_task"`
	Category    string    `json:"category,omitempty"`
	PageIndex   int       `json:"page_index"`
	ExtractedAt time.Time `json:"extracted_at"`
	Enriched    bool      `json:"detail_enriched"`

	// Optional fields filled by listing heuristics or detail enrichment.
	// Each is simply omitted when its fallback chain resolves nothing.
	SalesCount       string              `json:"sales_count,omitempty"`
	ShopName         string              `json:"shop_name,omitempty"`
	Location         string              `json:"location,omitempty"`
	Brand            string              `json:"brand,omitempty"`
	Specifications   map[string]string   `json:"specifications,omitempty"`
	RatingScore      string              `json:"rating_score,omitempty"`
	ReviewCount      string              `json:"review_count,omitempty"`
	StockKnown       bool                `json:"stock_known,omitempty"`
	ShippingNote     string              `json:"shipping_note,omitempty"`
	SKUOptions       map[string][]string `json:"sku_options,omitempty"`
	AdditionalImages []string            `json:"additional_images,omitempty"`
}

// Checkpoint is the recovery artifact rewritten wholesale every batch of
// detail-enrichment attempts. It is never read back by the engine.
type Checkpoint struct {
	TotalProducts int             `json:"totalProducts"`
	SuccessCount  int             `json:"successCount"`
	FailCount     int             `json:"failCount"`
	LastUpdated   time.Time       `json:"lastUpdated"`
	Products      []ProductRecord `json:"products"`
}

// HarvestResult is the final output artifact.
type HarvestResult struct {
	TotalProducts      int             `json:"totalProducts"`
	ProductsWithDetail int             `json:"productsWithDetails"`
	DetailsCoverage    float64         `json:"detailsCoverage"`
	ScrapedAt          time.Time       `json:"scrapedAt"`
	SearchesPerformed  []string        `json:"searchesPerformed"`
	CategoryBreakdown  map[string]int  `json:"categoryBreakdown"`
	KeywordBreakdown   map[string]int  `json:"keywordBreakdown"`
	PageDistribution   map[string]int  `json:"pageDistribution"`
	Products           []ProductRecord `json:"products"`
}
