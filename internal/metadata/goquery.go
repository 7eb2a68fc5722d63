// Package metadata extracts listing metadata (title, Open Graph, price) from archived HTML.
package metadata

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-archiver/internal/archiver"
)

// Extractor parses listing metadata with goquery.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// ParseMetadata reads title, description, image, canonical URL, keywords, and
// product price tags. Open Graph values win over their plain counterparts.
func (e *Extractor) ParseMetadata(html string) (archiver.Metadata, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return archiver.Metadata{}, fmt.Errorf("parse html: %w", err)
	}

	meta := archiver.Metadata{
		Title: firstNonEmpty(
			content(doc, `meta[property="og:title"]`),
			content(doc, `meta[name="twitter:title"]`),
			strings.TrimSpace(doc.Find("title").First().Text()),
		),
		Description: firstNonEmpty(
			content(doc, `meta[property="og:description"]`),
			content(doc, `meta[name="description"]`),
		),
		Image: firstNonEmpty(
			content(doc, `meta[property="og:image"]`),
			content(doc, `meta[name="twitter:image"]`),
		),
		SiteName: content(doc, `meta[property="og:site_name"]`),
		CanonicalURL: firstNonEmpty(
			attr(doc, `link[rel="canonical"]`, "href"),
			content(doc, `meta[property="og:url"]`),
		),
		Price: firstNonEmpty(
			content(doc, `meta[property="product:price:amount"]`),
			content(doc, `meta[property="og:price:amount"]`),
			content(doc, `meta[itemprop="price"]`),
		),
		Currency: firstNonEmpty(
			content(doc, `meta[property="product:price:currency"]`),
			content(doc, `meta[property="og:price:currency"]`),
			content(doc, `meta[itemprop="priceCurrency"]`),
		),
	}

	if kw := content(doc, `meta[name="keywords"]`); kw != "" {
		for _, k := range strings.Split(kw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				meta.Keywords = append(meta.Keywords, k)
			}
		}
	}
	return meta, nil
}

func content(doc *goquery.Document, selector string) string {
	return attr(doc, selector, "content")
}

func attr(doc *goquery.Document, selector, name string) string {
	val, _ := doc.Find(selector).First().Attr(name)
	return strings.TrimSpace(val)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
