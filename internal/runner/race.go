package runner

// Race waits for either a value on completed or a signal on cancelled.
// ok reports whether completion won. Completion wins ties.
func Race[T any](completed <-chan T, cancelled <-chan struct{}) (v T, ok bool) {
	select {
	case v = <-completed:
		return v, true
	case <-cancelled:
		select {
		case v = <-completed:
			return v, true
		default:
			return v, false
		}
	}
}
