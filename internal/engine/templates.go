package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"chapterline/internal/domain"
	"chapterline/internal/events"
	"chapterline/internal/filter"
	"chapterline/internal/narrative"
	"chapterline/internal/repo"
)

// TemplateID is stable for an owner's template name.
func TemplateID(ownerID, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("template|"+ownerID+"|"+name)).String()
}

type TemplateCreateOptions struct {
	OwnerID  string
	Name     string
	Cadence  domain.Cadence
	Timezone string
	Kind     domain.Kind
	Detail   domain.Detail
	Disabled bool
	Filter   *domain.FilterSpec
	ActorID  string
}

func validCadence(c domain.Cadence) bool {
	switch c {
	case domain.CadenceWeekly, domain.CadenceMonthly, domain.CadenceYearly, domain.CadenceManual:
		return true
	}
	return false
}

func (e Engine) CreateTemplate(ctx context.Context, opts TemplateCreateOptions) (domain.Template, error) {
	opts.OwnerID = strings.TrimSpace(opts.OwnerID)
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.OwnerID == "" {
		return domain.Template{}, InputError{Field: "owner_id", Reason: "required"}
	}
	if opts.Name == "" {
		return domain.Template{}, InputError{Field: "name", Reason: "required"}
	}
	if opts.Kind == "" {
		opts.Kind = domain.KindReflection
	}
	if opts.Detail == "" {
		opts.Detail = domain.DetailMedium
	}
	if !validCadence(opts.Cadence) {
		return domain.Template{}, InputError{Field: "cadence", Reason: "must be weekly, monthly, yearly or manual"}
	}
	if _, err := narrative.ProfileFor(opts.Kind, opts.Detail); err != nil {
		return domain.Template{}, InputError{Field: "kind/detail", Reason: err.Error()}
	}
	if _, err := filter.Compile(opts.Filter); err != nil {
		return domain.Template{}, InputError{Field: "filter", Reason: err.Error()}
	}
	zone := strings.TrimSpace(opts.Timezone)
	if zone == "" {
		zone = e.config().Timezone()
	}

	id := TemplateID(opts.OwnerID, opts.Name)
	if _, err := e.Repo.GetTemplate(ctx, id); err == nil {
		return domain.Template{}, InputError{Field: "name", Reason: "template " + opts.Name + " already exists"}
	} else if !isNotFound(err) {
		return domain.Template{}, err
	}
	now := e.stamp()
	t := domain.Template{
		ID: id, OwnerID: opts.OwnerID, Name: opts.Name, Cadence: opts.Cadence, Timezone: zone,
		Kind: opts.Kind, Detail: opts.Detail, Enabled: !opts.Disabled, Filter: opts.Filter,
		CreatedAt: now, UpdatedAt: now,
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertTemplate(ctx, tx, t); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.Entry{
			Type: events.TemplateCreated, OwnerID: t.OwnerID, EntityKind: "template", EntityID: t.ID, ActorID: opts.ActorID,
			Payload: events.Payload{"name": t.Name, "cadence": t.Cadence, "kind": t.Kind, "detail": t.Detail},
		})
	})
	if err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

// SetTemplateEnabled toggles whether scheduled batches pick up the template.
func (e Engine) SetTemplateEnabled(ctx context.Context, ownerID, id string, enabled bool, actorID string) (domain.Template, error) {
	t, err := e.Repo.GetTemplate(ctx, id)
	if err != nil {
		return domain.Template{}, err
	}
	if ownerID != "" && t.OwnerID != ownerID {
		return domain.Template{}, repo.ErrNotFound
	}
	if t.Enabled == enabled {
		return t, nil
	}
	t.Enabled = enabled
	t.UpdatedAt = e.stamp()
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateTemplate(ctx, tx, t); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.Entry{
			Type: events.TemplateUpdated, OwnerID: t.OwnerID, EntityKind: "template", EntityID: t.ID, ActorID: actorID,
			Payload: events.Payload{"enabled": enabled},
		})
	})
	if err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

func (e Engine) ListTemplates(ctx context.Context, ownerID string) ([]domain.Template, error) {
	return e.Repo.ListTemplates(ctx, repo.TemplateFilters{OwnerID: ownerID})
}
