package admin

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

//go:embed all:docs
var docsFS embed.FS

// DocPage describes a single documentation page for the index.
type DocPage struct {
	Slug  string `json:"slug"`
	Title string `json:"title"`
}

// docPageOrder defines the index order and metadata.
var docPageOrder = []DocPage{
	{"getting-started", "Getting Started"},
	{"publishing", "Publishing Sites"},
	{"routing", "Routing and Site Settings"},
	{"custom-domains", "Custom Domains"},
	{"operations", "Operations"},
	{"configuration", "Configuration"},
}

// DocPages returns the ordered list of documentation pages.
func DocPages() []DocPage {
	return docPageOrder
}

var docMD = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		extension.DefinitionList,
		extension.Typographer,
	),
)

var (
	docCache   = make(map[string]template.HTML)
	docCacheMu sync.RWMutex
)

// RenderDoc returns the HTML for a documentation page, caching the result.
func RenderDoc(slug string) (template.HTML, error) {
	docCacheMu.RLock()
	if html, ok := docCache[slug]; ok {
		docCacheMu.RUnlock()
		return html, nil
	}
	docCacheMu.RUnlock()

	data, err := docsFS.ReadFile("docs/" + slug + ".md")
	if err != nil {
		return "", fmt.Errorf("doc %q not found", slug)
	}

	var buf bytes.Buffer
	if err := docMD.Convert(data, &buf); err != nil {
		return "", fmt.Errorf("rendering %q: %w", slug, err)
	}

	// Rewrite cross-doc links: (slug) or (slug.md) → (/__internal__/docs/slug)
	html := buf.String()
	for _, p := range docPageOrder {
		html = strings.ReplaceAll(html, `href="`+p.Slug+`.md"`, `href="/__internal__/docs/`+p.Slug+`"`)
		html = strings.ReplaceAll(html, `href="`+p.Slug+`"`, `href="/__internal__/docs/`+p.Slug+`"`)
	}

	result := template.HTML(html)

	docCacheMu.Lock()
	docCache[slug] = result
	docCacheMu.Unlock()

	return result, nil
}

var docPageTmpl = template.Must(template.New("doc").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: system-ui, sans-serif; max-width: 44rem; margin: 2rem auto; padding: 0 1rem; color: #222; line-height: 1.6; }
    pre { background: #f4f4f4; padding: .75rem; overflow-x: auto; }
    code { background: #f4f4f4; padding: .1rem .3rem; }
    nav a { margin-right: 1rem; }
  </style>
</head>
<body>
  <nav>{{range .Pages}}<a href="/__internal__/docs/{{.Slug}}">{{.Title}}</a>{{end}}</nav>
  {{.Body}}
</body>
</html>
`))

func (h *handler) docsIndex(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/__internal__/docs/"+docPageOrder[0].Slug, http.StatusFound)
}

func (h *handler) docsPage(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	var page *DocPage
	for i := range docPageOrder {
		if docPageOrder[i].Slug == slug {
			page = &docPageOrder[i]
			break
		}
	}
	if page == nil {
		jsonError(w, http.StatusNotFound, "unknown doc page")
		return
	}
	body, err := RenderDoc(slug)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = docPageTmpl.Execute(w, struct {
		Title string
		Pages []DocPage
		Body  template.HTML
	}{page.Title, docPageOrder, body})
}
