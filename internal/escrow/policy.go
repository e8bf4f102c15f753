package escrow

// Operation names a mutating escrow action for authorization checks.
type Operation string

const (
	OpRelease Operation = "release"
	OpRefund  Operation = "refund"
)

// Actor is the identity requesting an operation. Authentication is the
// session layer's concern; by the time a request reaches the engine the
// actor is already established. Confirm is not listed here: it carries no
// caller identity, possession of the record's external reference is the
// credential, and the processor's own status gates the transition.
type Actor struct {
	ID    string
	Admin bool // platform support/admin tooling
}

// Authorize is the single authorization predicate for every mutating
// escrow operation. Release belongs to the paying client; refund
// additionally admits platform admins, who handle disputes and
// cancellations on the client's behalf.
func Authorize(actor Actor, op Operation, e *EscrowPayment) error {
	switch op {
	case OpRelease:
		if actor.ID == e.ClientID {
			return nil
		}
	case OpRefund:
		if actor.Admin || actor.ID == e.ClientID {
			return nil
		}
	}
	return ErrUnauthorized
}
