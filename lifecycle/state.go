package lifecycle

// State is the lifecycle state of a Record.
type State int

const (
	Unloaded State = iota
	Loading
	Loaded
	Unloading
	Reloading
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Unloading:
		return "unloading"
	case Reloading:
		return "reloading"
	default:
		return "unknown"
	}
}
