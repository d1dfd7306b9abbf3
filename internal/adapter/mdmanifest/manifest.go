// Package mdmanifest synthesizes the link manifest for the items of a
// batch that are not downloaded individually (links, forms, videos).
// It produces both a markdown manifest and a rendered HTML version.
package mdmanifest

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jgivc/coursepull/internal/entity"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"go.abhg.dev/goldmark/frontmatter"
)

// Frontmatter is the optional yaml header a link description may carry.
type Frontmatter struct {
	Title   string `yaml:"title"`
	Enabled *bool  `yaml:"enabled"`
	Author  string `yaml:"author"`
}

type Builder struct {
	md  goldmark.Markdown
	now func() time.Time
	log *slog.Logger
}

func NewBuilder(log *slog.Logger) *Builder {
	md := goldmark.New(
		goldmark.WithExtensions(
			&frontmatter.Extender{},
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithXHTML(),
		),
	)

	return &Builder{
		md:  md,
		now: time.Now,
		log: log.With(slog.String("item", "ManifestBuilder")),
	}
}

// Build renders the manifest for the given link items. Links whose
// description frontmatter disables them are left out; frontmatter
// titles override the attachment name.
func (b *Builder) Build(batchName string, links []entity.Attachment) ([]byte, []byte, error) {
	var md strings.Builder

	md.WriteString("---\n")
	fmt.Fprintf(&md, "title: %q\n", batchName+" links")
	fmt.Fprintf(&md, "generated: %s\n", b.now().Format(time.RFC3339))
	md.WriteString("---\n\n")
	fmt.Fprintf(&md, "# %s\n\n", batchName)

	count := 0
	for _, link := range links {
		title, enabled := b.linkTitle(&link)
		if !enabled {
			b.log.Info("Skipping disabled link", slog.String("id", link.ID))

			continue
		}

		fmt.Fprintf(&md, "- [%s](%s)\n", title, link.URL)
		count++
	}

	if count == 0 {
		md.WriteString("No links.\n")
	}

	source := []byte(md.String())

	var buf bytes.Buffer
	if err := b.md.Convert(source, &buf); err != nil {
		return nil, nil, fmt.Errorf("cannot render manifest: %w", err)
	}

	return source, buf.Bytes(), nil
}

// linkTitle resolves the display title of one link, consulting its
// description frontmatter if present.
func (b *Builder) linkTitle(link *entity.Attachment) (string, bool) {
	title := link.Name
	if title == "" {
		title = link.URL
	}

	if link.Description == "" {
		return title, true
	}

	pctx := parser.NewContext()
	var discard bytes.Buffer
	if err := b.md.Convert([]byte(link.Description), &discard, parser.WithContext(pctx)); err != nil {
		b.log.Warn("Cannot parse link description",
			slog.String("id", link.ID), slog.Any("error", err))

		return title, true
	}

	fm := frontmatter.Get(pctx)
	if fm == nil {
		return title, true
	}

	var meta Frontmatter
	if err := fm.Decode(&meta); err != nil {
		b.log.Warn("Cannot decode link frontmatter",
			slog.String("id", link.ID), slog.Any("error", err))

		return title, true
	}

	if meta.Title != "" {
		title = meta.Title
	}
	if meta.Enabled != nil && !*meta.Enabled {
		return title, false
	}

	return title, true
}
