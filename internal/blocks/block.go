// Package blocks models structured note content and its blocks_v1 wire format.
package blocks

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/notestash/relay/internal/errors"
)

// FormatV1 is the only document format the hub understands.
const FormatV1 = "blocks_v1"

// Kind identifies the variant of a Block.
type Kind int

const (
	KindParagraph Kind = iota + 1
	KindHeading
	KindListItem
	KindImage
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindParagraph:
		return "paragraph"
	case KindHeading:
		return "heading"
	case KindListItem:
		return "list_item"
	case KindImage:
		return "image"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// List types for KindListItem.
const (
	ListBullet  = "ul"
	ListOrdered = "ol"
)

// Block is one atomic unit of rich content. Which fields are meaningful
// depends on Kind: Level for headings, ListType for list items,
// DataURL/Src/Mime for images. A block is never split across chunks.
type Block struct {
	Kind     Kind
	Text     string
	Level    int
	ListType string
	DataURL  string
	Src      string
	Mime     string
	Spans    json.RawMessage
}

type wireBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ListType string          `json:"listType,omitempty"`
	DataURL  string          `json:"dataUrl,omitempty"`
	Src      string          `json:"src,omitempty"`
	Mime     string          `json:"mime,omitempty"`
	Spans    json.RawMessage `json:"spans,omitempty"`
}

// Paragraph returns a paragraph block.
func Paragraph(text string) Block {
	return Block{Kind: KindParagraph, Text: text}
}

// Heading returns a heading block; level is clamped to 1..6.
func Heading(level int, text string) Block {
	if level < 1 {
		level = 1
	}
	if level > 6 {
		level = 6
	}
	return Block{Kind: KindHeading, Level: level, Text: text}
}

// ListItem returns a list item block.
func ListItem(text string, ordered bool) Block {
	lt := ListBullet
	if ordered {
		lt = ListOrdered
	}
	return Block{Kind: KindListItem, Text: text, ListType: lt}
}

// Image returns an image block carrying inline data.
func Image(dataURL, mime string) Block {
	return Block{Kind: KindImage, DataURL: dataURL, Mime: mime}
}

// MarshalJSON encodes the block with its wire type tag.
func (b Block) MarshalJSON() ([]byte, error) {
	w := wireBlock{Spans: b.Spans}
	switch b.Kind {
	case KindParagraph:
		w.Type = "p"
		w.Text = b.Text
	case KindHeading:
		level := b.Level
		if level < 1 || level > 6 {
			return nil, fmt.Errorf("heading level %d out of range", b.Level)
		}
		w.Type = "h" + strconv.Itoa(level)
		w.Text = b.Text
	case KindListItem:
		w.Type = "list_item"
		w.Text = b.Text
		w.ListType = b.ListType
	case KindImage:
		w.Type = "image"
		w.DataURL = b.DataURL
		w.Src = b.Src
		w.Mime = b.Mime
	default:
		return nil, fmt.Errorf("unknown block kind %v", b.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a block, rejecting unknown type tags.
func (b *Block) UnmarshalJSON(data []byte) error {
	var w wireBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Block{Text: w.Text, Spans: w.Spans}
	switch {
	case w.Type == "p" || w.Type == "paragraph":
		out.Kind = KindParagraph
	case w.Type == "list_item":
		out.Kind = KindListItem
		out.ListType = w.ListType
		if out.ListType == "" {
			out.ListType = ListBullet
		}
	case w.Type == "image":
		out.Kind = KindImage
		out.Text = ""
		out.DataURL = w.DataURL
		out.Src = w.Src
		out.Mime = w.Mime
	case len(w.Type) == 2 && w.Type[0] == 'h' && w.Type[1] >= '1' && w.Type[1] <= '6':
		out.Kind = KindHeading
		out.Level = int(w.Type[1] - '0')
	default:
		return fmt.Errorf("unknown block type %q", w.Type)
	}
	*b = out
	return nil
}

// Document is a complete rich payload.
type Document struct {
	Format string  `json:"format"`
	Blocks []Block `json:"blocks"`
}

// NewDocument wraps blocks in a blocks_v1 document.
func NewDocument(blocks []Block) *Document {
	return &Document{Format: FormatV1, Blocks: blocks}
}

// Parse decodes and validates a serialized document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errors.ErrPayloadInvalid, "malformed rich payload", err)
	}
	if doc.Format != FormatV1 {
		return nil, errors.Newf(errors.ErrPayloadInvalid, "unsupported format %q for rich send", doc.Format)
	}
	if len(doc.Blocks) == 0 {
		return nil, errors.New(errors.ErrPayloadInvalid, "rich payload has no blocks")
	}
	return &doc, nil
}

// Encode serializes the document.
func (d *Document) Encode() ([]byte, error) {
	if d.Format == "" {
		d.Format = FormatV1
	}
	return json.Marshal(d)
}

// Summary counts blocks by kind.
type Summary struct {
	Total    int
	Text     int
	Headings int
	Lists    int
	Images   int
}

// Summarize counts the blocks of each kind.
func Summarize(blocks []Block) Summary {
	s := Summary{Total: len(blocks)}
	for _, b := range blocks {
		switch b.Kind {
		case KindParagraph:
			s.Text++
		case KindHeading:
			s.Headings++
		case KindListItem:
			s.Lists++
		case KindImage:
			s.Images++
		}
	}
	return s
}

// Fields returns the summary as log context.
func (s Summary) Fields() map[string]interface{} {
	return map[string]interface{}{
		"blocks":   s.Total,
		"text":     s.Text,
		"headings": s.Headings,
		"lists":    s.Lists,
		"images":   s.Images,
	}
}

// Snippet returns the first n runes of the document's text, for history.
func Snippet(blocks []Block, n int) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(b.Text)
		if sb.Len() >= n*4 {
			break
		}
	}
	r := []rune(sb.String())
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}
