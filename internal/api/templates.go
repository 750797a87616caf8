package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/leadmail/internal/template"
)

// TemplateResponse describes a configured template
type TemplateResponse struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name,omitempty"`
	Subject      string                  `json:"subject"`
	HasHTML      bool                    `json:"has_html"`
	Placeholders []string                `json:"placeholders"`
	Variables    []template.VariableInfo `json:"variables,omitempty"`
}

// TemplatePreviewRequest supplies variables for a preview. Unset lead
// variables get sample values.
type TemplatePreviewRequest struct {
	Data map[string]string `json:"data"`
}

// handleTemplates handles GET /api/v1/templates
func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	templates := s.engine.Catalog().Templates()
	out := make([]*TemplateResponse, 0, len(templates))
	for _, t := range templates {
		out = append(out, &TemplateResponse{
			ID:           t.ID,
			Name:         t.Name,
			Subject:      t.Subject,
			HasHTML:      t.HTML != "",
			Placeholders: template.Placeholders(t),
			Variables:    t.Variables,
		})
	}
	sendJSON(w, http.StatusOK, map[string]any{"templates": out})
}

// handlePreview handles POST /api/v1/templates/{id}/preview
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.engine.Catalog().Template(chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "Failed to get template")
		return
	}

	var req TemplatePreviewRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	vars := sampleVariables()
	for k, v := range req.Data {
		vars[k] = v
	}

	rendered, err := template.NewEngine().Render(tmpl, vars)
	if err != nil {
		sendError(w, http.StatusBadRequest, "Failed to render template: "+err.Error())
		return
	}

	sendJSON(w, http.StatusOK, rendered)
}

func sampleVariables() map[string]string {
	vars := make(map[string]string, len(template.LeadVariables))
	for _, name := range template.LeadVariables {
		vars[name] = "{" + name + "}"
	}
	vars[template.VarEmail] = "preview@example.com"
	return vars
}
