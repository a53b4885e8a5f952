package worker

import (
	"bytes"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// extractLinks pulls every a[href] value out of an HTML document. The
// parser tolerates malformed markup; a document that cannot be parsed at
// all yields zero links rather than an error.
func extractLinks(body []byte) []string {
	node, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	doc := goquery.NewDocumentFromNode(node)

	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		if href, exists := sel.Attr("href"); exists {
			links = append(links, href)
		}
	})
	return links
}
