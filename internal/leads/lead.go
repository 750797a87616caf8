package leads

import (
	"strings"
	"time"

	"github.com/foxzi/leadmail/internal/template"
)

// Lead lifecycle statuses
const (
	StatusNew       = "new"
	StatusContacted = "contacted"
	StatusQualified = "qualified"
	StatusConverted = "converted"
)

// DefaultFirstName is used in greetings when a lead has no first name
const DefaultFirstName = "there"

// Lead is a prospective recipient
type Lead struct {
	ID           string    `json:"id"`
	Email        string    `json:"email,omitempty"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	FullName     string    `json:"full_name,omitempty"`
	CompanyName  string    `json:"company_name,omitempty"`
	Industry     string    `json:"industry,omitempty"`
	City         string    `json:"city,omitempty"`
	Country      string    `json:"country,omitempty"`
	Source       string    `json:"source,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	Status       string    `json:"status"`
	DoNotContact bool      `json:"do_not_contact"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RunLatest in Filter.RunID selects the newest run
const RunLatest = "latest"

// Filter selects leads for a campaign. Empty fields match everything.
type Filter struct {
	Country  string `yaml:"country,omitempty" json:"country,omitempty"`
	Source   string `yaml:"source,omitempty" json:"source,omitempty"`
	Industry string `yaml:"industry,omitempty" json:"industry,omitempty"`
	Status   string `yaml:"status,omitempty" json:"status,omitempty"`
	RunID    string `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	Limit    int    `yaml:"limit,omitempty" json:"limit,omitempty"`
}

// Variables returns the template variables for the lead
func (l *Lead) Variables() map[string]string {
	first := strings.TrimSpace(l.FirstName)
	if first == "" {
		first = DefaultFirstName
	}

	full := strings.TrimSpace(l.FullName)
	if full == "" {
		full = strings.TrimSpace(l.FirstName + " " + l.LastName)
	}

	return map[string]string{
		template.VarID:          l.ID,
		template.VarEmail:       l.Email,
		template.VarFirstName:   first,
		template.VarLastName:    l.LastName,
		template.VarFullName:    full,
		template.VarCompanyName: l.CompanyName,
		template.VarIndustry:    l.Industry,
		template.VarCity:        l.City,
		template.VarCountry:     l.Country,
		template.VarSource:      l.Source,
	}
}
