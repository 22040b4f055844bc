package harvest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const defaultPageParam = "page"

var lineBreaks = regexp.MustCompile(`\s*[\r\n]+\s*`)

// Enumerator discovers index pages and the item references listed on them.
type Enumerator struct {
	fetcher   ResourceFetcher
	extractor Extractor
	siteBase  string
	pageParam string
	logger    *zap.Logger
}

// NewEnumerator returns an Enumerator resolving links against siteBase.
func NewEnumerator(fetcher ResourceFetcher, extractor Extractor, siteBase, pageParam string, logger *zap.Logger) (*Enumerator, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if extractor == nil {
		return nil, errors.New("extractor is required")
	}
	if _, err := url.Parse(siteBase); err != nil {
		return nil, fmt.Errorf("parse site base: %w", err)
	}
	if pageParam == "" {
		pageParam = defaultPageParam
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enumerator{
		fetcher:   fetcher,
		extractor: extractor,
		siteBase:  siteBase,
		pageParam: pageParam,
		logger:    logger,
	}, nil
}

// DiscoverPageCount returns the number of index pages behind firstPageURL.
func (e *Enumerator) DiscoverPageCount(ctx context.Context, firstPageURL string) (int, error) {
	resp, err := e.fetcher.Fetch(ctx, firstPageURL)
	if err != nil {
		return 0, err
	}
	links, err := e.pagination(firstPageURL, resp)
	if err != nil {
		return 0, err
	}
	return pageCount(links), nil
}

// DiscoverPages returns every index page, page 1 first.
func (e *Enumerator) DiscoverPages(ctx context.Context, firstPageURL string) ([]IndexPage, error) {
	resp, err := e.fetcher.Fetch(ctx, firstPageURL)
	if err != nil {
		return nil, err
	}
	links, err := e.pagination(firstPageURL, resp)
	if err != nil {
		return nil, err
	}
	count := pageCount(links)

	byNumber := make(map[int]string, len(links))
	for _, l := range links {
		n, ok := pageNumber(l.Label)
		if !ok {
			continue
		}
		if _, seen := byNumber[n]; !seen {
			byNumber[n] = l.Href
		}
	}

	pages := make([]IndexPage, 0, count)
	pages = append(pages, IndexPage{Number: 1, URL: firstPageURL})
	for n := 2; n <= count; n++ {
		pageURL, err := e.pageURL(firstPageURL, n, byNumber[n])
		if err != nil {
			return nil, err
		}
		pages = append(pages, IndexPage{Number: n, URL: pageURL})
	}
	e.logger.Debug("pages discovered", zap.String("url", firstPageURL), zap.Int("pages", count))
	return pages, nil
}

// ListItems fetches page and returns its item references in document order.
func (e *Enumerator) ListItems(ctx context.Context, page IndexPage) ([]ItemReference, error) {
	resp, err := e.fetcher.Fetch(ctx, page.URL)
	if err != nil {
		return nil, err
	}
	return e.ParseItems(page, resp)
}

// ParseItems extracts the item references of an already fetched page. It does
// no I/O and may run on a CPU-bound runner.
func (e *Enumerator) ParseItems(page IndexPage, resp *Response) ([]ItemReference, error) {
	links, ok, err := e.extractor.ItemLinks(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("page %s: %w", page.URL, err)
	}
	if !ok {
		return nil, &MalformedPageError{URL: page.URL, Missing: "item list"}
	}
	refs := make([]ItemReference, 0, len(links))
	for _, l := range links {
		base, err := ResolveURL(e.siteBase, itemHref(l.Href))
		if err != nil {
			return nil, fmt.Errorf("page %s: %w", page.URL, err)
		}
		refs = append(refs, ItemReference{Name: ItemName(l.Label), BaseURL: base})
	}
	e.logger.Debug("page parsed", zap.Int("page", page.Number), zap.Int("items", len(refs)))
	return refs, nil
}

func (e *Enumerator) pagination(pageURL string, resp *Response) ([]Link, error) {
	links, ok, err := e.extractor.PaginationLinks(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("page %s: %w", pageURL, err)
	}
	if !ok {
		return nil, &MalformedPageError{URL: pageURL, Missing: "pagination"}
	}
	return links, nil
}

func (e *Enumerator) pageURL(firstPageURL string, n int, href string) (string, error) {
	if href != "" {
		return ResolveURL(e.siteBase, href)
	}
	u, err := url.Parse(firstPageURL)
	if err != nil {
		return "", fmt.Errorf("parse first page url: %w", err)
	}
	q := u.Query()
	q.Set(e.pageParam, strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ItemName collapses line breaks and the whitespace around them into single
// spaces and trims the result.
func ItemName(label string) string {
	return strings.TrimSpace(lineBreaks.ReplaceAllString(label, " "))
}

// itemHref points translation links back at the item's base URL.
func itemHref(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasSuffix(href, "/trans/") {
		return strings.TrimSuffix(href, "trans/")
	}
	return href
}

// pageCount is the highest numeric pager label, with page 1 implicit.
func pageCount(links []Link) int {
	count := 1
	for _, l := range links {
		if n, ok := pageNumber(l.Label); ok && n > count {
			count = n
		}
	}
	return count
}

func pageNumber(label string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(label))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
