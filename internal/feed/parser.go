package feed

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/araddon/dateparse"
	"github.com/microcosm-cc/bluemonday"
)

const atomNamespace = "http://www.w3.org/2005/Atom"

// Represents an RSS 2.0 document.
type rssDoc struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Title       string `xml:"title"`
		Link        string `xml:"link"`
		Description string `xml:"description"`
		Image       struct {
			URL string `xml:"url"`
		} `xml:"image"`
		Language       string `xml:"language"`
		Copyright      string `xml:"copyright"`
		ManagingEditor string `xml:"managingEditor"`
		WebMaster      string `xml:"webMaster"`
		PubDate        string `xml:"pubDate"`
		LastBuildDate  string `xml:"lastBuildDate"`
		SkipHours      struct {
			Hours []string `xml:"hour"`
		} `xml:"skipHours"`
		SkipDays struct {
			Days []string `xml:"day"`
		} `xml:"skipDays"`
		Categories []string  `xml:"category"`
		Items      []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	GUID        string   `xml:"guid"`
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	Author      string   `xml:"author"`
	Comments    string   `xml:"comments"`
	PubDate     string   `xml:"pubDate"`
	Categories  []string `xml:"category"`
	Enclosures  []struct {
		URL  string `xml:"url,attr"`
		Type string `xml:"type,attr"`
	} `xml:"enclosure"`
}

// Represents an Atom document.
type atomDoc struct {
	XMLName  xml.Name    `xml:"feed"`
	Title    string      `xml:"title"`
	Subtitle string      `xml:"subtitle"`
	Icon     string      `xml:"icon"`
	Links    []atomLink  `xml:"link"`
	Entries  []atomEntry `xml:"entry"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

type atomEntry struct {
	ID        string     `xml:"id"`
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	Summary   string     `xml:"summary"`
	Content   string     `xml:"content"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
	Author    struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Categories []struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
	MediaGroup struct {
		Description string `xml:"description"`
		Thumbnail   struct {
			URL string `xml:"url,attr"`
		} `xml:"thumbnail"`
	} `xml:"http://search.yahoo.com/mrss/ group"`
}

// FeedParser decodes RSS 2.0 and Atom payloads into a ParsedChannel,
// dispatching on the document's root element. It is stateless apart
// from an invocation counter.
type FeedParser struct {
	invocations atomic.Int64
}

// NewParser creates a new instance of FeedParser.
func NewParser() *FeedParser {
	return &FeedParser{}
}

// Invocations returns how many times Parse has run.
func (p *FeedParser) Invocations() int64 {
	return p.invocations.Load()
}

// Parse decodes a payload into a ParsedChannel, or fails with
// ErrUnknownFormat / ErrMalformed.
func (p *FeedParser) Parse(payload []byte) (ParsedChannel, error) {
	p.invocations.Add(1)

	root, err := rootElement(payload)
	if err != nil {
		return ParsedChannel{}, err
	}

	switch {
	case root.Local == "rss":
		return parseRSS(payload)
	case root.Local == "feed" && root.Space == atomNamespace:
		return parseAtom(payload)
	default:
		return ParsedChannel{}, fmt.Errorf("root element <%s>: %w", root.Local, ErrUnknownFormat)
	}
}

// rootElement finds the first start element of the document.
func rootElement(payload []byte) (xml.Name, error) {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return xml.Name{}, fmt.Errorf("no root element: %w", ErrMalformed)
		}
		if err != nil {
			return xml.Name{}, fmt.Errorf("%s: %w", err, ErrMalformed)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name, nil
		}
	}
}

func parseRSS(payload []byte) (ParsedChannel, error) {
	var doc rssDoc
	if err := xml.Unmarshal(payload, &doc); err != nil {
		return ParsedChannel{}, fmt.Errorf("%s: %w", err, ErrMalformed)
	}

	ch := doc.Channel
	parsed := ParsedChannel{
		Title:          stripHTML(ch.Title),
		Link:           strings.TrimSpace(ch.Link),
		Description:    stripHTML(ch.Description),
		IconLink:       strings.TrimSpace(ch.Image.URL),
		Language:       ch.Language,
		Copyright:      ch.Copyright,
		EditorEmail:    ch.ManagingEditor,
		WebMasterEmail: ch.WebMaster,
		PublishDate:    parseRFC2822(ch.PubDate),
		LastBuildDate:  parseRFC2822(ch.LastBuildDate),
		SkipHours:      strings.Join(ch.SkipHours.Hours, ","),
		SkipDays:       strings.Join(ch.SkipDays.Days, ","),
		Categories:     ch.Categories,
	}

	for _, item := range ch.Items {
		link := strings.TrimSpace(item.Link)
		if link == "" {
			// An entry without a link has no identity and can never
			// be merged; drop it without failing the channel.
			continue
		}

		image := ""
		for _, enc := range item.Enclosures {
			if strings.Contains(enc.Type, "image") {
				image = enc.URL
				break
			}
		}
		if image == "" {
			image = inlineImageLink(item.Description, item.Title)
		}

		parsed.Items = append(parsed.Items, ParsedItem{
			GUID:         strings.TrimSpace(item.GUID),
			Title:        stripHTML(item.Title),
			Description:  stripHTML(item.Description),
			Author:       strings.TrimSpace(item.Author),
			Categories:   item.Categories,
			Link:         link,
			CommentsLink: strings.TrimSpace(item.Comments),
			PublishDate:  parseRFC2822(item.PubDate),
			ImageLink:    image,
		})
	}

	return parsed, nil
}

func parseAtom(payload []byte) (ParsedChannel, error) {
	var doc atomDoc
	if err := xml.Unmarshal(payload, &doc); err != nil {
		return ParsedChannel{}, fmt.Errorf("%s: %w", err, ErrMalformed)
	}

	parsed := ParsedChannel{
		Title:       stripHTML(doc.Title),
		Description: stripHTML(doc.Subtitle),
		Link:        alternateLink(doc.Links),
		IconLink:    strings.TrimSpace(doc.Icon),
	}

	for _, entry := range doc.Entries {
		link := alternateLink(entry.Links)
		if link == "" {
			continue
		}

		desc := entry.Summary
		if desc == "" {
			desc = entry.Content
		}
		if desc == "" {
			desc = entry.MediaGroup.Description
		}

		// published is preferred; updated is the fallback.
		date := parseISO8601(entry.Published)
		if date.IsZero() {
			date = parseISO8601(entry.Updated)
		}

		image := entry.MediaGroup.Thumbnail.URL
		if image == "" {
			image = inlineImageLink(desc, entry.Title)
		}

		var categories []string
		for _, c := range entry.Categories {
			if c.Term != "" {
				categories = append(categories, c.Term)
			}
		}

		parsed.Items = append(parsed.Items, ParsedItem{
			GUID:        strings.TrimSpace(entry.ID),
			Title:       stripHTML(entry.Title),
			Description: stripHTML(desc),
			Author:      strings.TrimSpace(entry.Author.Name),
			Categories:  categories,
			Link:        link,
			PublishDate: date,
			ImageLink:   image,
		})
	}

	return parsed, nil
}

// alternateLink picks the href of the rel=alternate link, or the first
// link without a rel.
func alternateLink(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "alternate" || l.Rel == "" {
			return strings.TrimSpace(l.Href)
		}
	}
	return ""
}

var imgSrcPattern = regexp.MustCompile(`(?i)<img[^>]*\ssrc=["']?([^"'\s>]+)`)

// inlineImageLink pulls the first <img src> out of raw markup. Texts
// are checked in order, so the description wins over the title.
func inlineImageLink(texts ...string) string {
	for _, text := range texts {
		if m := imgSrcPattern.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

var rfc2822Layouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
}

// parseRFC2822 parses the date-time grammar RSS 2.0 inherits from
// RFC 2822, falling back to a permissive parse for feeds that bend it.
func parseRFC2822(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range rfc2822Layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	if t, err := dateparse.ParseAny(s); err == nil {
		return t
	}
	return time.Time{}
}

// parseISO8601 parses Atom's RFC 3339 timestamps, again with a
// permissive fallback.
func parseISO8601(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := dateparse.ParseAny(s); err == nil {
		return t
	}
	return time.Time{}
}

var stripPolicy = bluemonday.StrictPolicy()

var whitespacePattern = regexp.MustCompile(`\s+`)

// stripHTML removes all markup from the string and collapses the
// whitespace the removed tags leave behind.
func stripHTML(s string) string {
	s = stripPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	s = whitespacePattern.ReplaceAllString(s, " ")

	return strings.TrimSpace(s)
}
