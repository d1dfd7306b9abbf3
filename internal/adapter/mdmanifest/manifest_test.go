package mdmanifest

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jgivc/coursepull/internal/entity"
	"github.com/stretchr/testify/require"
)

func newTestBuilder() *Builder {
	b := NewBuilder(slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.now = func() time.Time {
		return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	}

	return b
}

func TestBuildRendersLinks(t *testing.T) {
	b := newTestBuilder()

	links := []entity.Attachment{
		{Kind: entity.AttachmentLink, ID: "l1", Name: "Syllabus", URL: "https://example.com/syllabus"},
		{Kind: entity.AttachmentVideo, ID: "v1", Name: "Lecture 1", URL: "https://example.com/lec1"},
	}

	md, html, err := b.Build("Algorithms", links)
	require.NoError(t, err)

	require.Contains(t, string(md), "# Algorithms")
	require.Contains(t, string(md), "[Syllabus](https://example.com/syllabus)")
	require.Contains(t, string(md), "[Lecture 1](https://example.com/lec1)")
	require.Contains(t, string(md), "generated: 2025-03-01T12:00:00Z")

	require.Contains(t, string(html), `<a href="https://example.com/syllabus">Syllabus</a>`)
	require.NotContains(t, string(html), "generated:")
}

func TestBuildFrontmatterOverridesTitle(t *testing.T) {
	b := newTestBuilder()

	links := []entity.Attachment{
		{
			Kind: entity.AttachmentLink,
			ID:   "l1",
			Name: "raw-name",
			URL:  "https://example.com/a",
			Description: `---
title: Pretty Name
author: prof
---
Some notes.
`,
		},
	}

	md, _, err := b.Build("Course", links)
	require.NoError(t, err)
	require.Contains(t, string(md), "[Pretty Name](https://example.com/a)")
	require.NotContains(t, string(md), "[raw-name]")
}

func TestBuildSkipsDisabledLinks(t *testing.T) {
	b := newTestBuilder()

	links := []entity.Attachment{
		{
			Kind: entity.AttachmentLink,
			ID:   "l1",
			Name: "hidden",
			URL:  "https://example.com/hidden",
			Description: `---
enabled: false
---
`,
		},
		{Kind: entity.AttachmentLink, ID: "l2", Name: "shown", URL: "https://example.com/shown"},
	}

	md, _, err := b.Build("Course", links)
	require.NoError(t, err)
	require.NotContains(t, string(md), "hidden")
	require.Contains(t, string(md), "[shown](https://example.com/shown)")
}

func TestBuildNoLinks(t *testing.T) {
	b := newTestBuilder()

	md, html, err := b.Build("Empty", nil)
	require.NoError(t, err)
	require.Contains(t, string(md), "No links.")
	require.Contains(t, string(html), "No links.")
}

func TestBuildFallsBackToURLWhenUnnamed(t *testing.T) {
	b := newTestBuilder()

	links := []entity.Attachment{
		{Kind: entity.AttachmentForm, ID: "f1", URL: "https://example.com/form"},
	}

	md, _, err := b.Build("Course", links)
	require.NoError(t, err)
	require.Contains(t, string(md), "[https://example.com/form](https://example.com/form)")
}
