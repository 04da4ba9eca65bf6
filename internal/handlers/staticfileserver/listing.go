package staticfileserver

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DirectoryEntry is one immediate child of a listed directory.
type DirectoryEntry struct {
	Name  string
	IsDir bool
}

// urlSegments splits the mount prefix and a root-relative path into the
// non-empty URL path segments they contribute.
func urlSegments(prefix, rel string) []string {
	var segs []string
	for _, part := range []string{prefix, rel} {
		for _, s := range strings.Split(part, "/") {
			if s != "" {
				segs = append(segs, s)
			}
		}
	}
	return segs
}

// ListingHref builds the link for child name of the directory at rel: the
// mount prefix joined with the child's root-relative path, each segment
// percent-escaped. Directories get no trailing slash.
func ListingHref(prefix, rel, name string) string {
	segs := append(urlSegments(prefix, rel), name)
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return "/" + strings.Join(segs, "/")
}

// listingTitle is the unescaped URL path of the listed directory.
func listingTitle(prefix, rel string) string {
	segs := urlSegments(prefix, rel)
	if len(segs) == 0 {
		return "Index of /"
	}
	return "Index of /" + strings.Join(segs, "/") + "/"
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: strings.ToValidUTF8(s, "�")}
}

// RenderListing writes an HTML index of entries for the directory at rel
// under the mount prefix. Entries are rendered in the order given.
func RenderListing(w io.Writer, prefix, rel string, entries []DirectoryEntry) error {
	title := listingTitle(prefix, rel)

	doc := &html.Node{Type: html.DocumentNode}
	doc.AppendChild(&html.Node{Type: html.DoctypeNode, Data: "html"})

	root := element(atom.Html)
	doc.AppendChild(root)

	head := element(atom.Head)
	head.AppendChild(element(atom.Meta, html.Attribute{Key: "charset", Val: "utf-8"}))
	titleEl := element(atom.Title)
	titleEl.AppendChild(text(title))
	head.AppendChild(titleEl)
	root.AppendChild(head)

	body := element(atom.Body)
	h1 := element(atom.H1)
	h1.AppendChild(text(title))
	body.AppendChild(h1)

	ul := element(atom.Ul)
	for _, e := range entries {
		a := element(atom.A, html.Attribute{Key: "href", Val: ListingHref(prefix, rel, e.Name)})
		a.AppendChild(text(e.Name))
		li := element(atom.Li)
		li.AppendChild(a)
		ul.AppendChild(li)
	}
	body.AppendChild(ul)
	root.AppendChild(body)

	return html.Render(w, doc)
}
