// Package handler contains the HTTP handlers: HTML pages, the JSON form
// endpoints and the health check.
//
// Handlers parse the request, call the service and write the response. They
// hold no business rules; those live in internal/service.
package handler

import (
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/sakif/session-auth/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

// Pages renders the HTML pages. Templates are parsed once at startup.
//
// Each page is its own template set (base.html + the page), because every
// page defines the same "content" block and a single set would keep only
// the last definition.
type Pages struct {
	templates map[string]*template.Template
	logger    *slog.Logger
}

// Page names.
const (
	PageLogin    = "login"
	PageHome     = "home"
	PageSettings = "settings"
)

// PageData is what the templates see.
type PageData struct {
	Title  string
	User   *model.User
	Signup bool
}

// NewPages parses the embedded templates.
func NewPages(logger *slog.Logger) (*Pages, error) {
	p := &Pages{
		templates: make(map[string]*template.Template),
		logger:    logger,
	}
	for _, name := range []string{PageLogin, PageHome, PageSettings} {
		tmpl, err := template.ParseFS(templateFS, "templates/base.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("handler: parsing %s template: %w", name, err)
		}
		p.templates[name] = tmpl
	}
	return p, nil
}

// Render writes page with data. An unknown page or a template failure
// becomes a 500.
func (p *Pages) Render(w http.ResponseWriter, page string, data PageData) {
	tmpl, ok := p.templates[page]
	if !ok {
		p.logger.Error("unknown page", slog.String("page", page))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		p.logger.Error("failed to render template",
			slog.String("page", page),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
