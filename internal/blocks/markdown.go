package blocks

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/notestash/relay/internal/errors"
)

// FromMarkdown converts a Markdown note into blocks. Local image references
// are resolved against baseDir and inlined as data URLs; remote images keep
// their URL in Src. With an empty baseDir only remote and data URL images
// are accepted.
func FromMarkdown(src []byte, baseDir string) ([]Block, error) {
	root := goldmark.New().Parser().Parse(text.NewReader(src))

	var out []Block
	var walkErr error
	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			out = append(out, Heading(node.Level, plainText(node, src)))
			return ast.WalkSkipChildren, nil

		case *ast.ListItem:
			ordered := false
			if list, ok := node.Parent().(*ast.List); ok {
				ordered = list.IsOrdered()
			}
			out = append(out, ListItem(plainText(node, src), ordered))
			return ast.WalkContinue, nil

		case *ast.Paragraph, *ast.TextBlock:
			if _, inList := n.Parent().(*ast.ListItem); inList {
				return ast.WalkSkipChildren, nil
			}
			if t := plainText(n, src); t != "" {
				out = append(out, Paragraph(t))
			}
			imgs, err := images(n, baseDir)
			if err != nil {
				walkErr = err
				return ast.WalkStop, nil
			}
			out = append(out, imgs...)
			return ast.WalkSkipChildren, nil

		case *ast.FencedCodeBlock, *ast.CodeBlock:
			var buf bytes.Buffer
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(src))
			}
			if t := strings.TrimRight(buf.String(), "\n"); t != "" {
				out = append(out, Paragraph(t))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, walkErr
	}
	return out, nil
}

// plainText flattens inline content below n, ignoring nested lists and images.
func plainText(n ast.Node, src []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := c.(type) {
		case *ast.List:
			if c != n {
				return ast.WalkSkipChildren, nil
			}
		case *ast.Image:
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			sb.Write(node.Segment.Value(src))
			if node.HardLineBreak() {
				sb.WriteString("\n")
			} else if node.SoftLineBreak() {
				sb.WriteString(" ")
			}
		case *ast.String:
			sb.Write(node.Value)
		case *ast.AutoLink:
			sb.Write(node.Label(src))
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

func images(n ast.Node, baseDir string) ([]Block, error) {
	var out []Block
	var firstErr error
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		img, ok := c.(*ast.Image)
		if !ok {
			return ast.WalkContinue, nil
		}
		b, err := imageBlock(string(img.Destination), baseDir)
		if err != nil {
			firstErr = err
			return ast.WalkStop, nil
		}
		out = append(out, b)
		return ast.WalkSkipChildren, nil
	})
	return out, firstErr
}

func imageBlock(dest, baseDir string) (Block, error) {
	switch {
	case strings.HasPrefix(dest, "data:"):
		mime := strings.TrimPrefix(dest, "data:")
		if i := strings.IndexAny(mime, ";,"); i >= 0 {
			mime = mime[:i]
		}
		return Image(dest, mime), nil
	case strings.HasPrefix(dest, "http://"), strings.HasPrefix(dest, "https://"):
		return Block{Kind: KindImage, Src: dest}, nil
	}

	if baseDir == "" {
		return Block{}, errors.Newf(errors.ErrPayloadInvalid, "image %q must be an http(s) or data URL", dest)
	}
	path := dest
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Block{}, errors.Wrap(errors.ErrPayloadInvalid, fmt.Sprintf("read image %s", dest), err)
	}
	return ImageFromBytes(data)
}

// ImageFromBytes builds an inline image block, detecting the MIME type from content.
func ImageFromBytes(data []byte) (Block, error) {
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return Block{}, errors.Newf(errors.ErrPayloadInvalid, "not an image: %s", mt.String())
	}
	mime := mt.String()
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
	return Image(dataURL, mime), nil
}

// EncodeMarkdown converts a Markdown note into a serialized blocks_v1 document.
func EncodeMarkdown(src []byte, baseDir string) ([]byte, error) {
	bs, err := FromMarkdown(src, baseDir)
	if err != nil {
		return nil, err
	}
	if len(bs) == 0 {
		return nil, errors.New(errors.ErrPayloadInvalid, "markdown note has no content")
	}
	return NewDocument(bs).Encode()
}
