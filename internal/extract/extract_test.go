package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

const indexHTML = `<html><body>
<div class="spager"><span>1</span><a href="/you/tags/GURPS/?page=2">2</a><a href="/you/tags/GURPS/?page=3">3</a><a>no href</a></div>
<dl class="translations-list">
  <dt><a href="/you/basic-set/trans/">Basic
    Set</a></dt><dd>a rulebook</dd>
  <dt><a href="/you/campaigns/">Campaigns</a><a href="/you/other/">ignored</a></dt>
  <dt><a>no href</a> <a href="/you/magic/trans/">Magic</a> by <a href="/users/bob/">bob</a></dt>
  <dt>plain text entry</dt>
</dl>
</body></html>`

func TestPaginationLinks(t *testing.T) {
	t.Parallel()
	e := New(Selectors{})

	links, ok, err := e.PaginationLinks([]byte(indexHTML))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []harvest.Link{
		{Label: "2", Href: "/you/tags/GURPS/?page=2"},
		{Label: "3", Href: "/you/tags/GURPS/?page=3"},
	}, links)

	_, ok, err = e.PaginationLinks([]byte(`<html><body><p>nothing</p></body></html>`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestItemLinks(t *testing.T) {
	t.Parallel()
	e := New(Selectors{})

	links, ok, err := e.ItemLinks([]byte(indexHTML))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, links, 3)
	assert.Equal(t, "/you/basic-set/trans/", links[0].Href)
	assert.Contains(t, links[0].Label, "Basic")
	assert.Equal(t, harvest.Link{Label: "Campaigns", Href: "/you/campaigns/"}, links[1])
	assert.Equal(t, harvest.Link{Label: "Magic", Href: "/you/magic/trans/"}, links[2])

	links, ok, err = e.ItemLinks([]byte(`<dl class="translations-list"></dl>`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, links)

	_, ok, err = e.ItemLinks([]byte(`<div></div>`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAboutExcerpt(t *testing.T) {
	t.Parallel()
	e := New(Selectors{})

	tests := []struct {
		name   string
		html   string
		want   string
		wantOK bool
	}{
		{"present", `<div id="about-translation"><blockquote>  A core rulebook.  </blockquote></div>`, "A core rulebook.", true},
		{"no blockquote", `<div id="about-translation"><p>x</p></div>`, "", false},
		{"no block", `<blockquote>stray</blockquote>`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := e.AboutExcerpt([]byte(tt.html))
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCustomSelectors(t *testing.T) {
	t.Parallel()
	e := New(Selectors{ItemList: "ul.books", ItemEntry: "li", ItemLink: "a.title"})

	links, ok, err := e.ItemLinks([]byte(`<ul class="books">` +
		`<li><a href="/u/1/">author</a> <a class="title" href="/a/">A</a></li>` +
		`<li><a class="title" href="/b/">B</a><a class="title" href="/b/2/">B again</a></li></ul>`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []harvest.Link{{Label: "A", Href: "/a/"}, {Label: "B", Href: "/b/"}}, links)
}

func TestSelectorsValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultSelectors().Validate())

	sel := DefaultSelectors()
	sel.AboutBlock = " "
	assert.ErrorContains(t, sel.Validate(), "about_block")

	sel = DefaultSelectors()
	sel.ItemEntry = ""
	assert.ErrorContains(t, sel.Validate(), "item_entry")
}
