package feed

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"photovote/internal/photovote"
)

type xmlItem struct {
	Links []string `xml:"link"`
	Descs []string `xml:"desc"`
}

// Parse reads every <item> element of an XML document, wherever it is
// nested, taking the first <link> and <desc> child of each. Errors wrap
// photovote.ErrFeedMalformed.
func Parse(r io.Reader) ([]photovote.FeedItem, error) {
	d := xml.NewDecoder(r)
	d.Strict = false

	var items []photovote.FeedItem
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing feed: %w: %w", photovote.ErrFeedMalformed, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "item" {
			continue
		}
		var it xmlItem
		if err := d.DecodeElement(&it, &start); err != nil {
			return nil, fmt.Errorf("parsing feed item: %w: %w", photovote.ErrFeedMalformed, err)
		}
		var item photovote.FeedItem
		if len(it.Links) > 0 {
			item.Link = it.Links[0]
		}
		if len(it.Descs) > 0 {
			item.Description = it.Descs[0]
		}
		items = append(items, item)
	}
	return items, nil
}
