package opctx

// Mode is the operational mode of a unit of work.
type Mode int

const (
	// ModeUnset means no query or mutate operation has been entered yet.
	ModeUnset Mode = iota
	// ModeQuery marks read-only work.
	ModeQuery
	// ModeMutate marks read-write work.
	ModeMutate
)

func (m Mode) String() string {
	switch m {
	case ModeUnset:
		return "unset"
	case ModeQuery:
		return "query"
	case ModeMutate:
		return "mutate"
	default:
		return "unknown"
	}
}

// ModeOf converts a mutation flag into a Mode.
func ModeOf(mutation bool) Mode {
	if mutation {
		return ModeMutate
	}
	return ModeQuery
}

// IsMutation reports whether m is ModeMutate.
func (m Mode) IsMutation() bool {
	return m == ModeMutate
}

// RequiredTier is the minimum claim tier a Claim predicate demands in this
// mode: 1 for mutations, 0 otherwise.
func (m Mode) RequiredTier() int {
	if m == ModeMutate {
		return 1
	}
	return 0
}
