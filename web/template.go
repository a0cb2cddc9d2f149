// Package web serves a directory of dumped layer activations as a set of web pages.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

//go:embed assets/*.html
var assets embed.FS

// Template and main menu definition
type Templates struct {
	*template.Template
	Heading template.HTML
	Menu    []Link
}

type Link struct {
	Url      string
	Name     string
	Selected bool
}

// Load and parse the embedded templates
func NewTemplates() (*Templates, error) {
	t, err := template.ParseFS(assets, "assets/*.html")
	if err != nil {
		return nil, errors.Wrap(err, "error parsing templates")
	}
	return &Templates{Template: t}, nil
}

func (t *Templates) Clone() *Templates {
	return &Templates{
		Template: t.Template,
		Heading:  t.Heading,
		Menu:     append([]Link{}, t.Menu...),
	}
}

func (t *Templates) Select(url string) *Templates {
	for i, key := range t.Menu {
		t.Menu[i].Selected = strings.HasPrefix(key.Url, url)
	}
	return t
}

func (t *Templates) AddMenuItem(l Link) *Templates {
	t.Menu = append(t.Menu, l)
	return t
}

// Exec renders the named template, logging any error
func (t *Templates) Exec(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.ExecuteTemplate(w, name, data); err != nil {
		logError(w, err)
	}
}

func logError(w http.ResponseWriter, err error) {
	log.Error(err)
	http.Error(w, fmt.Sprint(err), http.StatusInternalServerError)
}
