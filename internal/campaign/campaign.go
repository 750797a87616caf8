// Package campaign turns campaign definitions into queue entries and
// ties the queue, the lead store and the dispatch loop together.
package campaign

import (
	"errors"
	"fmt"
	"sort"

	"github.com/foxzi/leadmail/internal/leads"
	"github.com/foxzi/leadmail/internal/provider"
	"github.com/foxzi/leadmail/internal/queue"
	"github.com/foxzi/leadmail/internal/template"
)

var (
	// ErrCampaignNotFound is returned for unknown campaign IDs
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrTemplateNotFound is returned for unknown template IDs
	ErrTemplateNotFound = errors.New("template not found")

	// ErrCampaignDisabled is returned when enqueueing a disabled campaign
	ErrCampaignDisabled = errors.New("campaign disabled")
)

// Sender is the From identity of a campaign
type Sender struct {
	Email   string `yaml:"email" json:"email"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
	ReplyTo string `yaml:"reply_to,omitempty" json:"reply_to,omitempty"`
}

// Address returns the sender as a provider address
func (s Sender) Address() provider.Address {
	return provider.Address{Email: s.Email, Name: s.Name}
}

// FollowUp configures the follow-up sequence of a campaign
type FollowUp struct {
	AfterDays  int    `yaml:"after_days" json:"after_days"`
	TemplateID string `yaml:"template" json:"template"`
	// MaxStages is the number of follow-ups after the initial message
	MaxStages int `yaml:"max_stages,omitempty" json:"max_stages,omitempty"`
}

// Campaign is an outreach definition
type Campaign struct {
	ID               string            `yaml:"-" json:"id"`
	Name             string            `yaml:"name" json:"name"`
	TemplateID       string            `yaml:"template" json:"template"`
	Filter           leads.Filter      `yaml:"filter,omitempty" json:"filter"`
	Sender           Sender            `yaml:"sender" json:"sender"`
	Provider         string            `yaml:"provider" json:"provider"`
	RateLimitPerHour int               `yaml:"rate_limit_per_hour,omitempty" json:"rate_limit_per_hour,omitempty"`
	FollowUp         *FollowUp         `yaml:"follow_up,omitempty" json:"follow_up,omitempty"`
	Headers          map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Disabled         bool              `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Catalog is an immutable snapshot of campaigns and templates
type Catalog struct {
	campaigns map[string]*Campaign
	templates map[string]*template.Template
}

// NewCatalog checks cross references and builds a catalog. IDs are taken
// from the map keys.
func NewCatalog(campaigns map[string]*Campaign, templates map[string]*template.Template) (*Catalog, error) {
	c := &Catalog{
		campaigns: make(map[string]*Campaign, len(campaigns)),
		templates: make(map[string]*template.Template, len(templates)),
	}

	engine := template.NewEngine()
	for id, t := range templates {
		tmpl := *t
		tmpl.ID = id
		if err := engine.Validate(&tmpl); err != nil {
			return nil, err
		}
		c.templates[id] = &tmpl
	}

	for id, camp := range campaigns {
		cp := *camp
		cp.ID = id
		if cp.Sender.Email == "" {
			return nil, fmt.Errorf("campaign %q: sender email is required", id)
		}
		if cp.Provider == "" {
			return nil, fmt.Errorf("campaign %q: provider is required", id)
		}
		if _, ok := c.templates[cp.TemplateID]; !ok {
			return nil, fmt.Errorf("campaign %q: %w: %q", id, ErrTemplateNotFound, cp.TemplateID)
		}
		if cp.RateLimitPerHour < 0 {
			return nil, fmt.Errorf("campaign %q: rate_limit_per_hour must not be negative", id)
		}
		if cp.FollowUp != nil {
			fu := *cp.FollowUp
			if fu.AfterDays <= 0 {
				return nil, fmt.Errorf("campaign %q: follow_up.after_days must be positive", id)
			}
			if fu.TemplateID == "" {
				fu.TemplateID = cp.TemplateID
			}
			if _, ok := c.templates[fu.TemplateID]; !ok {
				return nil, fmt.Errorf("campaign %q: follow_up: %w: %q", id, ErrTemplateNotFound, fu.TemplateID)
			}
			if fu.MaxStages <= 0 {
				fu.MaxStages = 1
			}
			cp.FollowUp = &fu
		}
		c.campaigns[id] = &cp
	}

	return c, nil
}

// Campaign returns the campaign with id
func (c *Catalog) Campaign(id string) (*Campaign, error) {
	camp, ok := c.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
	return camp, nil
}

// Template returns the template with id
func (c *Catalog) Template(id string) (*template.Template, error) {
	t, ok := c.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return t, nil
}

// Campaigns returns every campaign ordered by ID
func (c *Catalog) Campaigns() []*Campaign {
	out := make([]*Campaign, 0, len(c.campaigns))
	for _, camp := range c.campaigns {
		out = append(out, camp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Templates returns every template ordered by ID
func (c *Catalog) Templates() []*template.Template {
	out := make([]*template.Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TemplateFor returns the template used at stage: the follow-up template
// for follow-up stages, the main template otherwise
func (c *Catalog) TemplateFor(camp *Campaign, stage string) (*template.Template, error) {
	if stage != queue.StageInitial && camp.FollowUp != nil {
		return c.Template(camp.FollowUp.TemplateID)
	}
	return c.Template(camp.TemplateID)
}
