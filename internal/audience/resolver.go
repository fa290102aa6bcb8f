package audience

import (
	"context"
	"errors"

	"whatsapp-flow-engine/internal/models"
	"whatsapp-flow-engine/internal/store"
)

// ErrEmptyAudience means resolution yielded zero eligible recipients. It is
// not a system failure; the execution records it as skipped.
var ErrEmptyAudience = errors.New("audience resolved to zero eligible recipients")

// Resolution is the concrete recipient snapshot for one execution.
type Resolution struct {
	Recipients []models.Contact
	// Excluded counts manual-list ids that no longer exist, are inactive or
	// opted out. Recorded on the execution for observability.
	Excluded int
}

// Resolver turns an audience spec into eligible contacts at fire time.
// Membership always reflects present contact state, never plan-time state;
// nothing here is cached across executions.
type Resolver struct {
	store *store.Store
}

func NewResolver(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve returns the deduplicated eligible recipient set for the spec.
func (r *Resolver) Resolve(ctx context.Context, raw string, orgID uint) (*Resolution, error) {
	spec, err := ParseSpec(raw)
	if err != nil {
		return nil, err
	}

	var res Resolution
	switch spec.Type {
	case TypeAll:
		contacts, err := r.store.ActiveContacts(orgID)
		if err != nil {
			return nil, err
		}
		res.Recipients = eligible(contacts, nil)

	case TypeSegment:
		contacts, err := r.store.ActiveContacts(orgID)
		if err != nil {
			return nil, err
		}
		res.Recipients = eligible(contacts, spec.Matches)

	case TypeManual:
		contacts, err := r.store.ContactsByIDs(orgID, spec.ContactIDs)
		if err != nil {
			return nil, err
		}
		res.Recipients = eligible(contacts, nil)
		res.Excluded = len(spec.ContactIDs) - len(res.Recipients)
	}

	if len(res.Recipients) == 0 {
		return &res, ErrEmptyAudience
	}
	return &res, nil
}

// eligible filters to addressable contacts, applies the optional segment
// predicate and dedupes by contact id.
func eligible(contacts []models.Contact, match func(*models.Contact) bool) []models.Contact {
	seen := make(map[uint]bool, len(contacts))
	out := make([]models.Contact, 0, len(contacts))
	for i := range contacts {
		c := contacts[i]
		if seen[c.ID] || !c.Addressable() {
			continue
		}
		if match != nil && !match(&c) {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}
