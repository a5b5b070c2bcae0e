package domain

import "strings"

// OwnerType identifies the business entity that owns an activity.
type OwnerType string

// OwnerType values.
const (
	OwnerTypeDeal        OwnerType = "deal"
	OwnerTypeBuyingParty OwnerType = "buying_party"
)

// OwnerContext references the deal or buying party an activity belongs to.
// The zero value means the activity is unowned.
type OwnerContext struct {
	Type OwnerType `json:"type,omitempty"`
	ID   string    `json:"id,omitempty"`
}

// IsZero reports whether no owner is set.
func (o OwnerContext) IsZero() bool {
	return o.Type == "" && o.ID == ""
}

// NormalizeOwnerContext trims and validates one owner reference.
func NormalizeOwnerContext(o OwnerContext) (OwnerContext, error) {
	o.Type = NormalizeOwnerType(o.Type)
	o.ID = strings.TrimSpace(o.ID)
	if o.IsZero() {
		return OwnerContext{}, nil
	}
	if o.ID == "" {
		return OwnerContext{}, ErrInvalidOwner
	}
	switch o.Type {
	case OwnerTypeDeal, OwnerTypeBuyingParty:
		return o, nil
	default:
		return OwnerContext{}, ErrInvalidOwner
	}
}

// NormalizeOwnerType canonicalizes owner type spellings.
func NormalizeOwnerType(t OwnerType) OwnerType {
	raw := strings.ToLower(strings.TrimSpace(string(t)))
	raw = strings.ReplaceAll(raw, "-", "_")
	switch raw {
	case "buyingparty", "buyer", "party":
		return OwnerTypeBuyingParty
	default:
		return OwnerType(raw)
	}
}

// OwnerFilter narrows a flat activity read to one owner. The zero value
// matches every activity.
type OwnerFilter struct {
	Owner OwnerContext
}

// AllOwners returns a filter that matches every activity.
func AllOwners() OwnerFilter {
	return OwnerFilter{}
}

// ForOwner returns a filter for one owner.
func ForOwner(owner OwnerContext) OwnerFilter {
	return OwnerFilter{Owner: owner}
}

// Matches reports whether an activity passes the filter.
func (f OwnerFilter) Matches(a Activity) bool {
	if f.Owner.IsZero() {
		return true
	}
	return a.Owner == f.Owner
}
