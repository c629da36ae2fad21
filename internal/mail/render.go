package mail

import (
	"bytes"
	"context"
	"html"
	"io"
	"strings"

	"github.com/a-h/templ"
	"github.com/taskwatch/project/internal/contracts"
	"github.com/taskwatch/project/internal/messaging"
)

func digestHeading(reportKind string) string {
	switch reportKind {
	case messaging.TopicUnfinishedTasks:
		return "Your unfinished tasks"
	case messaging.TopicFinishedTasks:
		return "Your finished tasks"
	default:
		return "All your tasks"
	}
}

// DigestSubject is the mail subject line for a digest document.
func DigestSubject(doc contracts.DigestDocument) string {
	return digestHeading(doc.ReportKind) + " (" + doc.GeneratedAt.Format("Jan 2") + ")"
}

// DigestEmail renders the digest body as a templ component.
func DigestEmail(doc contracts.DigestDocument) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		var sb strings.Builder
		sb.WriteString(`<div style="font-family:sans-serif;max-width:36rem">`)
		sb.WriteString(`<h2>`)
		sb.WriteString(html.EscapeString(digestHeading(doc.ReportKind)))
		sb.WriteString(`</h2>`)

		if len(doc.Tasks) == 0 {
			sb.WriteString(`<p>Nothing to report.</p></div>`)
			_, err := io.WriteString(w, sb.String())
			return err
		}

		sb.WriteString(`<ul>`)
		for _, task := range doc.Tasks {
			sb.WriteString(`<li><strong>`)
			sb.WriteString(html.EscapeString(task.Title))
			sb.WriteString(`</strong>`)
			if task.Status == contracts.StatusDone {
				sb.WriteString(` &mdash; done`)
			} else if task.DueAt != nil {
				sb.WriteString(` &mdash; due `)
				sb.WriteString(html.EscapeString(task.DueAt.Format("Jan 2 15:04")))
			}
			sb.WriteString(`</li>`)
		}
		sb.WriteString(`</ul>`)

		sb.WriteString(`<p style="color:#888;font-size:12px">Generated `)
		sb.WriteString(html.EscapeString(doc.GeneratedAt.Format("2006-01-02 15:04 MST")))
		sb.WriteString(`</p></div>`)
		_, err := io.WriteString(w, sb.String())
		return err
	})
}

// RenderDigestHTML renders the digest body to an HTML string.
func RenderDigestHTML(ctx context.Context, doc contracts.DigestDocument) (string, error) {
	var buf bytes.Buffer
	if err := DigestEmail(doc).Render(ctx, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderDigestText renders the plain-text alternative body.
func RenderDigestText(doc contracts.DigestDocument) string {
	var sb strings.Builder
	sb.WriteString(digestHeading(doc.ReportKind))
	sb.WriteString("\n\n")
	if len(doc.Tasks) == 0 {
		sb.WriteString("Nothing to report.\n")
		return sb.String()
	}
	for _, task := range doc.Tasks {
		sb.WriteString("- ")
		sb.WriteString(task.Title)
		if task.Status == contracts.StatusDone {
			sb.WriteString(" (done)")
		} else if task.DueAt != nil {
			sb.WriteString(" (due ")
			sb.WriteString(task.DueAt.Format("Jan 2 15:04"))
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
