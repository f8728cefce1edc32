package harvest

import (
	"embed"
	"html/template"
	"io"
	"sync"

	"github.com/abiosoft/mold"
)

// TemplateManager manages templates using mold for layout inheritance.
type TemplateManager struct {
	mold mold.Engine
	mu   sync.RWMutex
}

// NewTemplateManagerWithFuncMap creates a template manager, registers the
// function map and loads every layout and page from the embedded
// filesystem.
func NewTemplateManagerWithFuncMap(fsys embed.FS, funcMap template.FuncMap) (*TemplateManager, error) {
	engine, err := mold.New(fsys,
		mold.WithRoot("templates"),
		mold.WithLayout("layouts/layout.html"),
		mold.WithFuncMap(funcMap),
	)
	if err != nil {
		return nil, err
	}
	return &TemplateManager{mold: engine}, nil
}

// Render renders a page template; mold handles the layout inheritance.
func (tm *TemplateManager) Render(w io.Writer, pageName string, data interface{}) error {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.mold.Render(w, pageName, data)
}
