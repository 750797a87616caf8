package campaign

import (
	"context"
	"fmt"

	"github.com/foxzi/leadmail/internal/dispatch"
	"github.com/foxzi/leadmail/internal/queue"
)

// Resolver resolves queue entries against a catalog and a lead source
type Resolver struct {
	catalog *Catalog
	leads   LeadSource
}

// NewResolver creates a dispatch resolver
func NewResolver(catalog *Catalog, source LeadSource) *Resolver {
	return &Resolver{catalog: catalog, leads: source}
}

// Resolve implements dispatch.Resolver
func (r *Resolver) Resolve(ctx context.Context, e *queue.Entry) (*dispatch.Job, error) {
	camp, err := r.catalog.Campaign(e.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dispatch.ErrUnresolvable, err)
	}

	tmpl, err := r.catalog.TemplateFor(camp, e.Stage)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dispatch.ErrUnresolvable, err)
	}

	lead, err := r.leads.Lead(ctx, e.LeadID)
	if err != nil {
		return nil, err
	}
	if lead == nil {
		return nil, fmt.Errorf("%w: lead %s not found", dispatch.ErrUnresolvable, e.LeadID)
	}
	if lead.DoNotContact {
		return nil, dispatch.ErrOptedOut
	}

	return &dispatch.Job{
		Template: tmpl,
		Vars:     lead.Variables(),
		From:     camp.Sender.Address(),
		ReplyTo:  camp.Sender.ReplyTo,
		Provider: camp.Provider,
		Headers:  camp.Headers,
	}, nil
}

// Delivered marks the lead contacted
func (r *Resolver) Delivered(ctx context.Context, e *queue.Entry) error {
	return r.leads.MarkContacted(ctx, e.LeadID)
}
