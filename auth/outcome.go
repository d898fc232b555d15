package auth

// Status is the closed set of authentication outcomes.
type Status int

const (
	// Unauthenticated means no bearer credential was presented. It is not an
	// error: other schemes may apply, or the caller gets a 401 challenge.
	Unauthenticated Status = iota
	Authenticated
	Rejected
)

func (s Status) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Rejected:
		return "rejected"
	default:
		return "unauthenticated"
	}
}

// Reason tells the HTTP layer why a request was rejected so that it can pick
// a status code.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonInactive: the authority reports the token as not active.
	ReasonInactive
	// ReasonIntrospection: the authority was unreachable, throttled,
	// misconfigured or answered with something unparseable.
	ReasonIntrospection
	// ReasonRevoked: the token id or session id was revoked out of band.
	ReasonRevoked
)

func (r Reason) String() string {
	switch r {
	case ReasonInactive:
		return "inactive"
	case ReasonIntrospection:
		return "introspection_error"
	case ReasonRevoked:
		return "revoked"
	default:
		return "none"
	}
}

// Outcome is the result of authenticating one request.
type Outcome struct {
	Status   Status
	Identity *Identity
	Reason   Reason
	// Message is safe to return to the caller; it never carries upstream
	// error details.
	Message string
}

func NewUnauthenticated() Outcome {
	return Outcome{Status: Unauthenticated}
}

func NewAuthenticated(id *Identity) Outcome {
	return Outcome{Status: Authenticated, Identity: id}
}

func NewRejected(reason Reason, message string) Outcome {
	return Outcome{Status: Rejected, Reason: reason, Message: message}
}
