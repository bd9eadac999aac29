package domain

type Permissions struct {
	CanSign          bool `json:"can_sign"`
	CanCreate        bool `json:"can_create"`
	CanManageMembers bool `json:"can_manage_members"`
	CanView          bool `json:"can_view"`
}

// Membership scopes an actor's permissions to one enterprise.
type Membership struct {
	EnterpriseID string      `json:"enterprise_id"`
	Verified     bool        `json:"verified"`
	Permissions  Permissions `json:"permissions"`
	SealIDs      []string    `json:"seal_ids,omitempty"`
}

// Actor is an individual, possibly acting for one of its enterprises.
type Actor struct {
	ID          string       `json:"actor_id"`
	Name        string       `json:"name,omitempty"`
	Verified    bool         `json:"verified"`
	Memberships []Membership `json:"memberships,omitempty"`
}

func (a Actor) Membership(enterpriseID string) (Membership, bool) {
	if enterpriseID == "" {
		return Membership{}, false
	}
	for _, m := range a.Memberships {
		if m.EnterpriseID == enterpriseID {
			return m, true
		}
	}
	return Membership{}, false
}

// CanUseSeal reports whether the actor may apply sealID for the enterprise.
// An empty sealID means "any seal the enterprise signs with".
func (a Actor) CanUseSeal(enterpriseID, sealID string) bool {
	m, ok := a.Membership(enterpriseID)
	if !ok || !m.Verified || !m.Permissions.CanSign {
		return false
	}
	if sealID == "" {
		return true
	}
	for _, s := range m.SealIDs {
		if s == sealID {
			return true
		}
	}
	return false
}

func (a Actor) IsEnterpriseAdmin(enterpriseID string) bool {
	m, ok := a.Membership(enterpriseID)
	return ok && m.Verified && m.Permissions.CanManageMembers
}

// ActorBinding binds a party to an actor. EnterpriseID set means the party
// acts as that enterprise, optionally restricted to SealID.
type ActorBinding struct {
	Actor        Actor  `json:"actor"`
	EnterpriseID string `json:"enterprise_id,omitempty"`
	SealID       string `json:"seal_id,omitempty"`
}

type BoundParty struct {
	Party    Party        `json:"party"`
	Binding  ActorBinding `json:"binding"`
	Position int          `json:"position"`
}

type OrderedParties struct {
	Order   SigningOrder `json:"signing_order"`
	Parties []BoundParty `json:"parties"`
}
