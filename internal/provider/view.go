package provider

import "github.com/gowsrep/node/internal/store"

// View is the full cluster view as delivered by a provider's view
// callback: membership together with the global state-id, view status,
// capability bitmap, protocol version, and this node's index. The subset
// the Store itself needs (state-id, members, snapshot-capability flag)
// travels separately as store.MembershipView, so internal/store never
// needs to import this package.
type View struct {
	StateID      store.GTID
	Status       store.ViewStatus
	Capabilities store.Capability
	ProtoVer     int
	Members      []store.Member
	MyIndex      int
}

// MembershipView projects the fields the Store's update_membership needs.
func (v View) MembershipView() store.MembershipView {
	return store.MembershipView{
		StateID:         v.StateID,
		Members:         append([]store.Member(nil), v.Members...),
		ReadViewSupport: v.Capabilities.HasSnapshot(),
	}
}
