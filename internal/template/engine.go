package template

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"
)

// ErrMissingRecipient is returned when the variables carry no recipient address
var ErrMissingRecipient = errors.New("missingRecipient")

var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Engine renders {{variable}} templates
type Engine struct{}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	return &Engine{}
}

// Render substitutes vars into the template. Unknown variables render as
// empty strings; template defaults apply when a variable is empty.
// Values placed into the HTML body are escaped.
func (e *Engine) Render(tmpl *Template, vars map[string]string) (*Rendered, error) {
	to := strings.TrimSpace(vars[VarEmail])
	if to == "" {
		return nil, ErrMissingRecipient
	}

	merged := make(map[string]string, len(vars)+len(tmpl.Variables))
	for _, v := range tmpl.Variables {
		if v.Default != "" {
			merged[v.Name] = v.Default
		}
	}
	for k, v := range vars {
		if v != "" {
			merged[k] = v
		}
	}

	result := &Rendered{
		To:      to,
		ToName:  strings.TrimSpace(vars[VarFullName]),
		Subject: substitute(tmpl.Subject, merged, nil),
		Text:    substitute(tmpl.Text, merged, nil),
	}
	if tmpl.HTML != "" {
		result.HTML = substitute(tmpl.HTML, merged, html.EscapeString)
	}

	// Header injection guard
	result.Subject = strings.NewReplacer("\r", " ", "\n", " ").Replace(result.Subject)

	return result, nil
}

// Validate checks that the template has content and only uses known variables
func (e *Engine) Validate(tmpl *Template) error {
	if strings.TrimSpace(tmpl.Subject) == "" {
		return fmt.Errorf("template %q: subject is required", tmpl.ID)
	}
	if strings.TrimSpace(tmpl.Text) == "" && strings.TrimSpace(tmpl.HTML) == "" {
		return fmt.Errorf("template %q: text or html body is required", tmpl.ID)
	}

	known := make(map[string]bool)
	for _, name := range LeadVariables {
		known[name] = true
	}
	for _, v := range tmpl.Variables {
		known[v.Name] = true
	}

	var unknown []string
	for _, name := range Placeholders(tmpl) {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("template %q: unknown variables: %s", tmpl.ID, strings.Join(unknown, ", "))
	}
	return nil
}

// Placeholders returns the sorted distinct variable names used by the template
func Placeholders(tmpl *Template) []string {
	seen := make(map[string]bool)
	for _, s := range []string{tmpl.Subject, tmpl.Text, tmpl.HTML} {
		for _, m := range varPattern.FindAllStringSubmatch(s, -1) {
			seen[strings.TrimSpace(m[1])] = true
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func substitute(s string, vars map[string]string, escape func(string) string) string {
	if s == "" {
		return s
	}

	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		value := vars[name]
		if escape != nil {
			return escape(value)
		}
		return value
	})
}
