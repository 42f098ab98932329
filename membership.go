package session

// MembershipStatus is the entitlement status for a single product.
type MembershipStatus string

const (
	// MembershipTrial grants access during an evaluation window.
	MembershipTrial MembershipStatus = "trial"
	// MembershipActive grants access through a paid subscription.
	MembershipActive MembershipStatus = "active"
	// MembershipExpired is a lapsed subscription (no access).
	MembershipExpired MembershipStatus = "expired"
	// MembershipNone means the product was never activated.
	MembershipNone MembershipStatus = "none"
)

// IsValid checks if the status is one of the predefined values.
func (s MembershipStatus) IsValid() bool {
	switch s {
	case MembershipTrial, MembershipActive, MembershipExpired, MembershipNone:
		return true
	default:
		return false
	}
}

// GrantsAccess reports whether this status allows use of the product surface.
func (s MembershipStatus) GrantsAccess() bool {
	switch s {
	case MembershipTrial, MembershipActive:
		return true
	default:
		return false
	}
}

// Membership is an entitlement record gating access to a product surface.
type Membership struct {
	Product string           `json:"product"`
	Status  MembershipStatus `json:"status"`
}

// EnsureStatus normalizes a membership that arrived without a status.
func (m *Membership) EnsureStatus() {
	if m.Status == "" {
		m.Status = MembershipNone
	}
}

func membershipFor(memberships []Membership, product string) (Membership, bool) {
	for _, m := range memberships {
		if m.Product == product {
			m.EnsureStatus()
			return m, true
		}
	}
	return Membership{}, false
}

// lockedMemberships builds the membership set for a PRODUCT_NOT_ENABLED
// payload: the backend told us which products exist for the account, none of
// which currently grant access.
func lockedMemberships(current string, available []string) []Membership {
	seen := map[string]struct{}{}
	out := []Membership{}

	add := func(product string) {
		if product == "" {
			return
		}
		if _, dup := seen[product]; dup {
			return
		}
		seen[product] = struct{}{}
		out = append(out, Membership{Product: product, Status: MembershipNone})
	}

	add(current)
	for _, p := range available {
		add(p)
	}

	return out
}
