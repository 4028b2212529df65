package detections

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateImageLoaded
	StateDetecting
	StateDetected
	StateClassifying
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateImageLoaded:
		return "image_loaded"
	case StateDetecting:
		return "detecting"
	case StateDetected:
		return "detected"
	case StateClassifying:
		return "classifying"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// running reports whether a run owns the session.
func (s State) running() bool {
	return s == StateDetecting || s == StateDetected || s == StateClassifying
}
