package event

// Kind identifies one on-chain event emitted by the savings-group programs.
type Kind string

const (
	KindGroupCreated       Kind = "GroupCreated"
	KindMemberJoined       Kind = "MemberJoined"
	KindContributionMade   Kind = "ContributionMade"
	KindGracePeriodStarted Kind = "GracePeriodStarted"
	KindMemberSlashed      Kind = "MemberSlashed"
	KindPayoutReleased     Kind = "PayoutReleased"
	KindGroupFinalized     Kind = "GroupFinalized"
)

var allKinds = []Kind{
	KindGroupCreated,
	KindMemberJoined,
	KindContributionMade,
	KindGracePeriodStarted,
	KindMemberSlashed,
	KindPayoutReleased,
	KindGroupFinalized,
}

// AllKinds returns every known kind in declaration order.
func AllKinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}
