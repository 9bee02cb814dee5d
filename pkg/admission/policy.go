package admission

// RejectReason explains why a candidate peer was not admitted. A rejection
// is a deterministic policy decision, not an error.
type RejectReason int

const (
	// AlreadyConnected: the single connection slot is occupied.
	AlreadyConnected RejectReason = iota
	// CooldownActive: the peer disconnected too recently.
	CooldownActive
	// NotBondedWindowClosed: an unbonded peer outside an open pairing
	// window, or one not advertising the pairing flag.
	NotBondedWindowClosed
)

func (r RejectReason) String() string {
	switch r {
	case AlreadyConnected:
		return "AlreadyConnected"
	case CooldownActive:
		return "Cooldown"
	case NotBondedWindowClosed:
		return "NotBondedWindowClosed"
	default:
		return "Unknown"
	}
}

// Input carries everything the policy looks at for one candidate peer.
type Input struct {
	Bonded       bool
	WindowOpen   bool
	PairFlag     bool
	InCooldown   bool
	SlotOccupied bool
}

// Decision is the outcome of Decide. Reason is meaningful only when Accept
// is false.
type Decision struct {
	Accept bool
	Reason RejectReason
}

func (d Decision) String() string {
	if d.Accept {
		return "Accept"
	}
	return "Reject(" + d.Reason.String() + ")"
}

// Decide is the peer admission policy. It is a pure function of its input;
// rules are evaluated in order and the first match wins:
//
//  1. slot occupied         -> Reject(AlreadyConnected)
//  2. in cooldown           -> Reject(CooldownActive)
//  3. bonded                -> Accept
//  4. window open + flag    -> Accept (new-bond path)
//  5. otherwise             -> Reject(NotBondedWindowClosed)
func Decide(in Input) Decision {
	switch {
	case in.SlotOccupied:
		return Decision{Reason: AlreadyConnected}
	case in.InCooldown:
		return Decision{Reason: CooldownActive}
	case in.Bonded:
		return Decision{Accept: true}
	case in.WindowOpen && in.PairFlag:
		return Decision{Accept: true}
	default:
		return Decision{Reason: NotBondedWindowClosed}
	}
}
