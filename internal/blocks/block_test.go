package blocks

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notestash/relay/internal/errors"
)

func TestBlock_JSONTags(t *testing.T) {
	tests := []struct {
		name  string
		block Block
		want  string
	}{
		{"paragraph", Paragraph("hello"), `{"type":"p","text":"hello"}`},
		{"heading", Heading(2, "Title"), `{"type":"h2","text":"Title"}`},
		{"heading clamped", Heading(9, "Deep"), `{"type":"h6","text":"Deep"}`},
		{"bullet", ListItem("item", false), `{"type":"list_item","text":"item","listType":"ul"}`},
		{"ordered", ListItem("first", true), `{"type":"list_item","text":"first","listType":"ol"}`},
		{"image", Image("data:image/png;base64,AA==", "image/png"), `{"type":"image","dataUrl":"data:image/png;base64,AA==","mime":"image/png"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.block)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			var back Block
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tt.block.Kind, back.Kind)
			assert.Equal(t, tt.block.Text, back.Text)
		})
	}
}

func TestBlock_UnmarshalAliasesAndUnknown(t *testing.T) {
	var b Block
	require.NoError(t, json.Unmarshal([]byte(`{"type":"paragraph","text":"x","spans":[{"start":0,"end":1}]}`), &b))
	assert.Equal(t, KindParagraph, b.Kind)
	assert.JSONEq(t, `[{"start":0,"end":1}]`, string(b.Spans))

	require.NoError(t, json.Unmarshal([]byte(`{"type":"list_item","text":"y"}`), &b))
	assert.Equal(t, ListBullet, b.ListType)

	err := json.Unmarshal([]byte(`{"type":"table"}`), &b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table")

	_, err = json.Marshal(Block{})
	assert.Error(t, err, "zero Kind must not encode")
}

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(`{"format":"blocks_v1","blocks":[{"type":"h1","text":"T"},{"type":"p","text":"body"}]}`))
	require.NoError(t, err)
	require.Len(t, doc.Blocks, 2)
	assert.Equal(t, 1, doc.Blocks[0].Level)

	_, err = Parse([]byte(`{"format":"html","blocks":[{"type":"p"}]}`))
	assert.True(t, errors.Is(err, errors.ErrPayloadInvalid))

	_, err = Parse([]byte(`{"format":"blocks_v1","blocks":[]}`))
	assert.True(t, errors.Is(err, errors.ErrPayloadInvalid))

	_, err = Parse([]byte(`not json`))
	assert.True(t, errors.Is(err, errors.ErrPayloadInvalid))
}

func TestDocument_EncodeRoundTrip(t *testing.T) {
	doc := NewDocument([]Block{Heading(1, "Plan"), ListItem("a", false), Paragraph("done")})
	data, err := doc.Encode()
	require.NoError(t, err)

	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, Summarize(doc.Blocks), Summarize(back.Blocks))
}

func TestSummarizeAndSnippet(t *testing.T) {
	bs := []Block{Heading(1, "Groceries"), ListItem("milk", false), ListItem("eggs", false), Image("data:,", ""), Paragraph("later")}
	s := Summarize(bs)
	assert.Equal(t, Summary{Total: 5, Text: 1, Headings: 1, Lists: 2, Images: 1}, s)
	assert.Equal(t, 5, s.Fields()["blocks"])

	assert.Equal(t, "Groceries milk", Snippet(bs, 14))
	assert.Equal(t, "", Snippet([]Block{Image("data:,", "")}, 10))
}

func TestSplit(t *testing.T) {
	text := strings.Repeat("x", 90)
	var bs []Block
	for i := 0; i < 10; i++ {
		bs = append(bs, Paragraph(text))
	}
	one, _ := json.Marshal(bs[0])
	size := len(one)

	// three blocks, two commas and the brackets
	chunks, err := Split(bs, size*3+4)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	assert.Len(t, chunks[0], 3)
	assert.Len(t, chunks[3], 1)

	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	assert.Equal(t, len(bs), total, "no block lost or duplicated")
}

func TestSplit_ceilingCountsArraySyntax(t *testing.T) {
	text := strings.Repeat("z", 200)
	bs := []Block{Paragraph(text), Paragraph(text), Paragraph(text), Paragraph(text)}
	one, _ := json.Marshal(bs[0])
	pair := 2*len(one) + 3

	encoded, err := EncodeChunks(bs, pair-1)
	require.NoError(t, err)
	assert.Len(t, encoded, 4, "two blocks need the brackets and a comma too")

	encoded, err = EncodeChunks(bs, pair)
	require.NoError(t, err)
	require.Len(t, encoded, 2)
	for _, c := range encoded {
		assert.LessOrEqual(t, len(c), pair)
	}
}

func TestSplit_oversizedBlockTravelsAlone(t *testing.T) {
	big := Paragraph(strings.Repeat("y", 500))
	bs := []Block{Paragraph("a"), big, Paragraph("b")}

	chunks, err := Split(bs, 100)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, big.Text, chunks[1][0].Text)
}

func TestEncodeChunks(t *testing.T) {
	bs := []Block{Paragraph("a"), Paragraph("b")}
	encoded, err := EncodeChunks(bs, DefaultMaxChunkBytes)
	require.NoError(t, err)
	require.Len(t, encoded, 1)

	back, err := DecodeChunk(encoded[0])
	require.NoError(t, err)
	assert.Len(t, back, 2)

	none, err := EncodeChunks(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
