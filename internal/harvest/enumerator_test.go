package harvest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	site     = "https://translatedby.com/"
	firstURL = "https://translatedby.com/you/tags/GURPS/"
)

func newTestEnumerator(t *testing.T, client *scriptedClient, ex *fakeExtractor) *Enumerator {
	t.Helper()
	f, err := NewRetryingFetcher(client, NewFixedRetryPolicy(1, 0))
	require.NoError(t, err)
	e, err := NewEnumerator(f, ex, site, "", nil)
	require.NoError(t, err)
	return e
}

func TestDiscoverPagesUsesPagerLinksAndFallback(t *testing.T) {
	t.Parallel()

	client := newScriptedClient().on(firstURL, reply{status: 200, body: "index-1"})
	ex := &fakeExtractor{pagers: map[string][]Link{
		"index-1": {
			{Label: "2", Href: "/you/tags/GURPS/?page=2"},
			{Label: " 4 ", Href: "/you/tags/GURPS/?page=4"},
			{Label: "next »", Href: "/you/tags/GURPS/?page=2"},
		},
	}}
	e := newTestEnumerator(t, client, ex)

	pages, err := e.DiscoverPages(context.Background(), firstURL)
	require.NoError(t, err)
	require.Equal(t, []IndexPage{
		{Number: 1, URL: firstURL},
		{Number: 2, URL: "https://translatedby.com/you/tags/GURPS/?page=2"},
		{Number: 3, URL: "https://translatedby.com/you/tags/GURPS/?page=3"},
		{Number: 4, URL: "https://translatedby.com/you/tags/GURPS/?page=4"},
	}, pages)

	count, err := e.DiscoverPageCount(context.Background(), firstURL)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestDiscoverPagesSinglePage(t *testing.T) {
	t.Parallel()

	client := newScriptedClient().on(firstURL, reply{status: 200, body: "index-1"})
	ex := &fakeExtractor{pagers: map[string][]Link{"index-1": nil}}
	pages, err := newTestEnumerator(t, client, ex).DiscoverPages(context.Background(), firstURL)
	require.NoError(t, err)
	require.Equal(t, []IndexPage{{Number: 1, URL: firstURL}}, pages)
}

func TestDiscoverPagesMissingPager(t *testing.T) {
	t.Parallel()

	client := newScriptedClient().on(firstURL, reply{status: 200, body: "no pager here"})
	_, err := newTestEnumerator(t, client, &fakeExtractor{}).DiscoverPages(context.Background(), firstURL)
	require.ErrorIs(t, err, ErrMalformedPage)

	var malformed *MalformedPageError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "pagination", malformed.Missing)
}

func TestListItemsNormalizesNamesAndLinks(t *testing.T) {
	t.Parallel()

	client := newScriptedClient().on(firstURL, reply{status: 200, body: "index-1"})
	ex := &fakeExtractor{items: map[string][]Link{
		"index-1": {
			{Label: "Basic\n     Set", Href: "/you/basic-set/trans/"},
			{Label: "  Campaigns\r\n", Href: "/you/campaigns/"},
		},
	}}
	refs, err := newTestEnumerator(t, client, ex).ListItems(context.Background(), IndexPage{Number: 1, URL: firstURL})
	require.NoError(t, err)
	require.Equal(t, []ItemReference{
		{Name: "Basic Set", BaseURL: "https://translatedby.com/you/basic-set/"},
		{Name: "Campaigns", BaseURL: "https://translatedby.com/you/campaigns/"},
	}, refs)
}

func TestListItemsEmptyListIsNotAnError(t *testing.T) {
	t.Parallel()

	client := newScriptedClient().on(firstURL, reply{status: 200, body: "index-1"})
	ex := &fakeExtractor{items: map[string][]Link{"index-1": {}}}
	refs, err := newTestEnumerator(t, client, ex).ListItems(context.Background(), IndexPage{Number: 1, URL: firstURL})
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestListItemsMissingList(t *testing.T) {
	t.Parallel()

	client := newScriptedClient().on(firstURL, reply{status: 200, body: "index-1"})
	_, err := newTestEnumerator(t, client, &fakeExtractor{}).ListItems(context.Background(), IndexPage{Number: 1, URL: firstURL})
	require.ErrorIs(t, err, ErrMalformedPage)
	require.ErrorIs(t, err, ErrExtractionAbsent)
}

func TestListItemsPropagatesFetchFailure(t *testing.T) {
	t.Parallel()

	client := newScriptedClient().on(firstURL, reply{status: 500})
	_, err := newTestEnumerator(t, client, &fakeExtractor{}).ListItems(context.Background(), IndexPage{Number: 1, URL: firstURL})
	require.ErrorIs(t, err, ErrRetryExhausted)
}

func TestItemName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Basic Set":                      "Basic Set",
		"  GURPS\n   Basic Set  ":        "GURPS Basic Set",
		"Line\r\n\tBreaks\n\nEverywhere": "Line Breaks Everywhere",
		"Keeps  double  spaces":          "Keeps  double  spaces",
		"":                               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, ItemName(in), "input %q", in)
	}
}

func TestItemHref(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/you/basic-set/", itemHref(" /you/basic-set/trans/ "))
	assert.Equal(t, "/you/basic-set/", itemHref("/you/basic-set/"))
	assert.Equal(t, "/you/transit/", itemHref("/you/transit/"))
}
