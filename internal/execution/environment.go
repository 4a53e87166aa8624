package execution

import (
	"fmt"
	"time"
)

const (
	EnvironmentLocal     = "local"
	EnvironmentContainer = "container"
)

// Options carries the settings of every launcher; ForEnvironment picks the
// relevant part.
type Options struct {
	Local     LocalOptions
	Container ContainerOptions
	KillGrace time.Duration
	TailBytes int
}

// ForEnvironment returns the strategy for an explicitly configured
// environment name.
func ForEnvironment(name string, opts Options) (*Strategy, error) {
	var l Launcher
	switch name {
	case EnvironmentLocal:
		l = NewLocalLauncher(opts.Local)
	case EnvironmentContainer:
		l = NewContainerLauncher(opts.Container)
	default:
		return nil, fmt.Errorf("unknown execution environment %q (want %s or %s)", name, EnvironmentLocal, EnvironmentContainer)
	}
	s := NewStrategy(l)
	if opts.KillGrace > 0 {
		s.KillGrace = opts.KillGrace
	}
	if opts.TailBytes > 0 {
		s.TailBytes = opts.TailBytes
	}
	return s, nil
}
