// Package render materializes digest bodies and notification mails from
// embedded templates. Section values are rendered one item per line; a
// non-slice value renders as a single item. Applications wanting a different
// layout inject their own renderer into the generator.
package render

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"reflect"
	"strings"
	texttemplate "text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Engine renders named templates with plain map data. Names ending in
// ".html" go through html/template and get contextual escaping; the rest go
// through text/template.
type Engine struct {
	text *texttemplate.Template
	html *htmltemplate.Template
}

func NewEngine() (*Engine, error) {
	funcs := map[string]any{"items": asItems}

	text, err := texttemplate.New("").Funcs(funcs).ParseFS(templatesFS, "templates/*.txt.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse text templates: %w", err)
	}
	html, err := htmltemplate.New("").Funcs(funcs).ParseFS(templatesFS, "templates/*.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse html templates: %w", err)
	}
	return &Engine{text: text, html: html}, nil
}

func (e *Engine) Render(name string, data map[string]any) (string, error) {
	var buf bytes.Buffer
	var err error
	if strings.HasSuffix(name, ".html") {
		err = e.html.ExecuteTemplate(&buf, name+".tmpl", data)
	} else {
		err = e.text.ExecuteTemplate(&buf, name+".tmpl", data)
	}
	if err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.String(), nil
}

// asItems normalizes a section value to a list so templates can always
// range over it.
func asItems(v any) []any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items = append(items, rv.Index(i).Interface())
		}
		return items
	default:
		return []any{v}
	}
}
