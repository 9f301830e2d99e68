package treadmill

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	// ServicesDiscovered means the link is up and service discovery has been requested
	ServicesDiscovered
	SubscribedToNotifications
	Ready
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case ServicesDiscovered:
		return "Discovering services"
	case SubscribedToNotifications:
		return "Subscribing"
	case Ready:
		return "Ready"
	default:
		// This shouldn't happen...
		return "Unknown"
	}
}

// acceptsNotifications reports whether treadmill data frames are decoded in this state.
func (s ConnectionState) acceptsNotifications() bool {
	return s == SubscribedToNotifications || s == Ready
}
