// Package extract answers the catalog's HTML queries with goquery.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Selectors locates the structural containers of index and metadata pages.
type Selectors struct {
	// Pagination is the pager container; its a[href] children are page links.
	Pagination string `mapstructure:"pagination"`
	// ItemList is the container holding the catalog entries.
	ItemList string `mapstructure:"item_list"`
	// ItemEntry selects the catalog entries, relative to ItemList.
	ItemEntry string `mapstructure:"item_entry"`
	// ItemLink selects the entry's anchor, relative to ItemEntry. Only the
	// first match of each entry is used.
	ItemLink string `mapstructure:"item_link"`
	// AboutBlock is the description container on a metadata page.
	AboutBlock string `mapstructure:"about_block"`
	// AboutExcerpt selects the description text, relative to AboutBlock.
	AboutExcerpt string `mapstructure:"about_excerpt"`
}

// DefaultSelectors matches the translatedby.com page layout.
func DefaultSelectors() Selectors {
	return Selectors{
		Pagination:   "div.spager",
		ItemList:     "dl.translations-list",
		ItemEntry:    "dt",
		ItemLink:     "a[href]",
		AboutBlock:   "#about-translation",
		AboutExcerpt: "blockquote",
	}
}

// Validate reports empty selectors.
func (s Selectors) Validate() error {
	for name, value := range map[string]string{
		"pagination":    s.Pagination,
		"item_list":     s.ItemList,
		"item_entry":    s.ItemEntry,
		"item_link":     s.ItemLink,
		"about_block":   s.AboutBlock,
		"about_excerpt": s.AboutExcerpt,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("selector %s is required", name)
		}
	}
	return nil
}

// GoqueryExtractor implements harvest.Extractor.
type GoqueryExtractor struct {
	sel Selectors
}

var _ harvest.Extractor = (*GoqueryExtractor)(nil)

// New returns an extractor for sel. Empty fields fall back to DefaultSelectors.
func New(sel Selectors) *GoqueryExtractor {
	def := DefaultSelectors()
	if sel.Pagination == "" {
		sel.Pagination = def.Pagination
	}
	if sel.ItemList == "" {
		sel.ItemList = def.ItemList
	}
	if sel.ItemEntry == "" {
		sel.ItemEntry = def.ItemEntry
	}
	if sel.ItemLink == "" {
		sel.ItemLink = def.ItemLink
	}
	if sel.AboutBlock == "" {
		sel.AboutBlock = def.AboutBlock
	}
	if sel.AboutExcerpt == "" {
		sel.AboutExcerpt = def.AboutExcerpt
	}
	return &GoqueryExtractor{sel: sel}
}

// PaginationLinks returns every a[href] inside the pager.
func (e *GoqueryExtractor) PaginationLinks(html []byte) ([]harvest.Link, bool, error) {
	doc, err := parse(html)
	if err != nil {
		return nil, false, err
	}
	pager := doc.Find(e.sel.Pagination).First()
	if pager.Length() == 0 {
		return nil, false, nil
	}
	return collectLinks(pager.Find("a[href]")), true, nil
}

// ItemLinks returns the first anchor with an href of every entry, in
// document order. Entries without such an anchor are skipped.
func (e *GoqueryExtractor) ItemLinks(html []byte) ([]harvest.Link, bool, error) {
	doc, err := parse(html)
	if err != nil {
		return nil, false, err
	}
	list := doc.Find(e.sel.ItemList).First()
	if list.Length() == 0 {
		return nil, false, nil
	}
	entries := list.Find(e.sel.ItemEntry)
	links := make([]harvest.Link, 0, entries.Length())
	entries.Each(func(_ int, entry *goquery.Selection) {
		a := entry.Find(e.sel.ItemLink).FilterFunction(hasHref).First()
		if a.Length() == 0 {
			return
		}
		links = append(links, linkOf(a))
	})
	return links, true, nil
}

// AboutExcerpt returns the trimmed description text. The flag is false when
// either the block or the excerpt inside it is missing.
func (e *GoqueryExtractor) AboutExcerpt(html []byte) (string, bool, error) {
	doc, err := parse(html)
	if err != nil {
		return "", false, err
	}
	excerpt := doc.Find(e.sel.AboutBlock).First().Find(e.sel.AboutExcerpt).First()
	if excerpt.Length() == 0 {
		return "", false, nil
	}
	return strings.TrimSpace(excerpt.Text()), true, nil
}

func parse(html []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func collectLinks(sel *goquery.Selection) []harvest.Link {
	links := make([]harvest.Link, 0, sel.Length())
	sel.Each(func(_ int, a *goquery.Selection) {
		links = append(links, linkOf(a))
	})
	return links
}

func linkOf(a *goquery.Selection) harvest.Link {
	href, _ := a.Attr("href")
	return harvest.Link{Label: a.Text(), Href: href}
}

func hasHref(_ int, s *goquery.Selection) bool {
	_, ok := s.Attr("href")
	return ok
}
