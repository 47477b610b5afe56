package task

// State is a handle's lifecycle position. It only moves forward:
// Pending -> Running -> Completed | Failed | Cancelled.
type State int32

const (
	Pending State = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Completed, Failed or Cancelled.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}
