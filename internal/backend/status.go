package backend

import "fmt"

// Status is the lifecycle state of a backend.
type Status int

const (
	StatusStopped Status = iota
	StatusLaunching
	StatusLaunched
	StatusStopping
	StatusInvalid
)

var statusNames = map[Status]string{
	StatusStopped:   "stopped",
	StatusLaunching: "launching",
	StatusLaunched:  "launched",
	StatusStopping:  "stopping",
	StatusInvalid:   "invalid",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Running reports whether a process may be alive in this state.
func (s Status) Running() bool {
	return s == StatusLaunching || s == StatusLaunched || s == StatusStopping
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus returns the status with the given name.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return StatusStopped, fmt.Errorf("unknown backend status %q", name)
}
