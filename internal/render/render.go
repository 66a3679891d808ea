// Package render turns notifications into channel-ready messages. Rendering
// is pure: the same notification and template always produce byte-identical
// output, and a Renderer is safe for concurrent use.
package render

import (
	"encoding/json"
	"html"
	"regexp"
	"sync/atomic"

	"github.com/pulsefeed/notification-engine/internal/domain"
)

// Template holds the per-type message skeletons. Variables use {{name}}
// markers; unknown variables resolve to the empty string.
type Template struct {
	Type     domain.NotificationType
	Subject  string
	Title    string
	BodyText string
	BodyHTML string
}

var variablePattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// substitute performs textual variable replacement. Values are HTML-escaped
// when escape is set and left raw otherwise.
func substitute(s string, vars map[string]string, escape bool) string {
	return variablePattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-2]
		value, ok := vars[name]
		if !ok {
			return ""
		}
		if escape {
			return html.EscapeString(value)
		}
		return value
	})
}

// Variables extracts the distinct variable names referenced by a template
// string, in order of first appearance.
func Variables(s string) []string {
	matches := variablePattern.FindAllStringSubmatch(s, -1)
	seen := make(map[string]bool)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			names = append(names, m[1])
			seen[m[1]] = true
		}
	}
	return names
}

// Renderer renders notifications against a per-type template table. The
// table is swapped copy-on-write; readers never block.
type Renderer struct {
	templates atomic.Value // map[domain.NotificationType]Template
}

func NewRenderer(templates []Template) *Renderer {
	r := &Renderer{}
	m := make(map[domain.NotificationType]Template, len(templates))
	for _, t := range templates {
		m[t.Type] = t
	}
	r.templates.Store(m)
	return r
}

// SetTemplate installs or replaces the template for one type.
func (r *Renderer) SetTemplate(t Template) {
	old := r.templates.Load().(map[domain.NotificationType]Template)
	next := make(map[domain.NotificationType]Template, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[t.Type] = t
	r.templates.Store(next)
}

// payload is the channel payload shared by push and socket delivery.
type payload struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Action string            `json:"action,omitempty"`
	Data   map[string]string `json:"data,omitempty"`
}

// Render produces the rendered tuple for a notification. Types with no
// template fall through to the notification's own title and body, which are
// themselves subject to variable substitution.
func (r *Renderer) Render(n *domain.Notification) *domain.RenderedMessage {
	templates := r.templates.Load().(map[domain.NotificationType]Template)
	t, ok := templates[n.Type]
	// Digest notifications carry their synthesized title and body; the
	// per-type template would reduce them to a single-event message.
	if !ok || n.IsDigest() {
		t = Template{Title: n.Title, BodyText: n.Body, Subject: n.Title}
	}
	if t.Subject == "" {
		t.Subject = t.Title
	}
	if t.BodyHTML == "" {
		t.BodyHTML = "<p>" + html.EscapeString(t.BodyText) + "</p>"
	}

	vars := r.contextVars(n)

	msg := &domain.RenderedMessage{
		Subject:  substitute(t.Subject, vars, false),
		Title:    substitute(t.Title, vars, false),
		BodyText: substitute(t.BodyText, vars, false),
		BodyHTML: substitute(t.BodyHTML, vars, true),
	}

	p := payload{
		ID:     n.ID.String(),
		Type:   string(n.Type),
		Title:  msg.Title,
		Body:   msg.BodyText,
		Action: n.ActionLink,
		Data:   n.TemplateVars,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		raw = []byte("{}")
	}
	msg.PushPayload = raw
	msg.SocketPayload = raw
	return msg
}

// contextVars merges template vars with the notification's built-in fields.
// Explicit template vars win.
func (r *Renderer) contextVars(n *domain.Notification) map[string]string {
	vars := map[string]string{
		"title":        n.Title,
		"body":         n.Body,
		"sender_id":    n.SenderID,
		"recipient_id": n.RecipientID,
		"action_link":  n.ActionLink,
	}
	for k, v := range n.TemplateVars {
		vars[k] = v
	}
	return vars
}

// DefaultTemplates is the built-in per-type render table.
func DefaultTemplates() []Template {
	return []Template{
		{
			Type:     domain.TypeLike,
			Subject:  "{{sender_name}} liked your note",
			Title:    "New like",
			BodyText: "{{sender_name}} liked your note",
		},
		{
			Type:     domain.TypeComment,
			Subject:  "{{sender_name}} commented on your note",
			Title:    "New comment",
			BodyText: "{{sender_name}} commented: {{comment_preview}}",
		},
		{
			Type:     domain.TypeReply,
			Subject:  "{{sender_name}} replied to your comment",
			Title:    "New reply",
			BodyText: "{{sender_name}} replied: {{comment_preview}}",
		},
		{
			Type:     domain.TypeFollow,
			Subject:  "{{sender_name}} started following you",
			Title:    "New follower",
			BodyText: "{{sender_name}} started following you",
		},
		{
			Type:     domain.TypeMention,
			Subject:  "{{sender_name}} mentioned you",
			Title:    "You were mentioned",
			BodyText: "{{sender_name}} mentioned you in a note",
		},
		{
			Type:     domain.TypeRepost,
			Subject:  "{{sender_name}} reposted your note",
			Title:    "New repost",
			BodyText: "{{sender_name}} reposted your note",
		},
		{
			Type:     domain.TypeQuote,
			Subject:  "{{sender_name}} quoted your note",
			Title:    "New quote",
			BodyText: "{{sender_name}} quoted your note: {{quote_preview}}",
		},
		{
			Type:     domain.TypeDirectMessage,
			Subject:  "New message from {{sender_name}}",
			Title:    "New message",
			BodyText: "{{sender_name}}: {{message_preview}}",
		},
		{
			Type:     domain.TypeSystemAlert,
			Subject:  "{{title}}",
			Title:    "{{title}}",
			BodyText: "{{body}}",
		},
	}
}
