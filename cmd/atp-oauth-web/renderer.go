package main

import (
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/labstack/echo/v4"
)

//go:embed templates/*.html
var templateFS embed.FS

// Each page template is parsed together with the shared base layout.
type Renderer struct {
	pages map[string]*template.Template
}

func newRenderer() *Renderer {
	r := &Renderer{pages: make(map[string]*template.Template)}
	for _, name := range []string{"home.html", "login.html", "error.html"} {
		r.pages[name] = template.Must(template.New(name).ParseFS(templateFS, "templates/base.html", "templates/"+name))
	}
	return r
}

func (r *Renderer) Render(w io.Writer, name string, data any, c echo.Context) error {
	tmpl, ok := r.pages[name]
	if !ok {
		return fmt.Errorf("unknown template: %s", name)
	}
	return tmpl.ExecuteTemplate(w, "base.html", data)
}
