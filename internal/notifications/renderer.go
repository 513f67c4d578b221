package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/bissquit/incident-escalation/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var renderedKinds = []domain.EventKind{
	domain.EventKindCreated,
	domain.EventKindClaimed,
	domain.EventKindStatusChanged,
	domain.EventKindEscalated,
	domain.EventKindResolved,
	domain.EventKindReassigned,
}

// Renderer renders notifications from templates.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer creates a new renderer and loads all templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"title":           titleCase,
		"upper":           strings.ToUpper,
		"humanize":        humanize,
		"formatTime":      formatTime,
		"formatRemaining": formatRemaining,
		"alertEmoji":      alertEmoji,
		"priorityEmoji":   priorityEmoji,
	}

	r := &Renderer{templates: make(map[string]*template.Template)}

	for _, kind := range renderedKinds {
		name := string(kind)
		filename := fmt.Sprintf("templates/%s.tmpl", name)

		content, err := templatesFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", filename, err)
		}

		tmpl, err := template.New(name).Funcs(funcMap).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}

		r.templates[name] = tmpl
	}

	return r, nil
}

// Render returns subject and body for msg.
func (r *Renderer) Render(msg Message) (subject, body string, err error) {
	tmpl, ok := r.templates[msg.Kind]
	if !ok {
		return "", "", fmt.Errorf("template not found: %s", msg.Kind)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, msg); err != nil {
		return "", "", fmt.Errorf("execute template %s: %w", msg.Kind, err)
	}

	return renderSubject(msg), strings.TrimSpace(buf.String()), nil
}

func renderSubject(msg Message) string {
	var prefix string
	switch domain.EventKind(msg.Kind) {
	case domain.EventKindCreated:
		prefix = "New " + titleCase(msg.AlertType) + " alert"
	case domain.EventKindClaimed:
		prefix = "Responding"
	case domain.EventKindStatusChanged:
		prefix = humanize(msg.Fields.To)
	case domain.EventKindEscalated:
		prefix = "Escalated to " + humanize(msg.Fields.To)
	case domain.EventKindResolved:
		prefix = "Resolved"
	case domain.EventKindReassigned:
		prefix = "Reassigned"
	default:
		prefix = "Update"
	}
	return fmt.Sprintf("[%s] %s", prefix, msg.Title)
}

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(s)
}

// humanize turns "on_scene" into "On Scene" and "level2" into "Level2".
func humanize(s string) string {
	return titleCase(strings.ReplaceAll(s, "_", " "))
}

func formatTime(t time.Time) string {
	return t.UTC().Format("15:04:05 UTC")
}

// formatRemaining prints SLA time left, or time past the deadline.
func formatRemaining(d time.Duration) string {
	suffix := "left"
	if d < 0 {
		d = -d
		suffix = "overdue"
	}
	d = d.Truncate(time.Second)

	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	if minutes > 0 {
		return fmt.Sprintf("%dm %02ds %s", minutes, seconds, suffix)
	}
	return fmt.Sprintf("%ds %s", seconds, suffix)
}

func alertEmoji(alertType string) string {
	switch domain.AlertType(alertType) {
	case domain.AlertTypeMedical:
		return "🚑"
	case domain.AlertTypeFire:
		return "🔥"
	case domain.AlertTypeSecurity:
		return "🛡️"
	case domain.AlertTypeEquipment:
		return "🔧"
	case domain.AlertTypeWeather:
		return "⛈️"
	case domain.AlertTypeCrowd:
		return "👥"
	default:
		return "📋"
	}
}

func priorityEmoji(priority string) string {
	if domain.Priority(priority) == domain.PriorityCritical {
		return "🔴"
	}
	return "🟠"
}
