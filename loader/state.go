package loader

import (
	"errors"
	"fmt"
)

type State int

const (
	Unloaded State = iota
	Loading
	Loaded
	Updating
	Failed
)

var ErrIllegalTransition = errors.New("loader: illegal state transition")

var stateNames = map[State]string{
	Unloaded: "unloaded",
	Loading:  "loading",
	Loaded:   "loaded",
	Updating: "updating",
	Failed:   "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	Unloaded: {Loading, Updating},
	Loading:  {Loaded, Unloaded},
	Loaded:   {Updating},
	Updating: {Loaded, Failed},
	Failed:   {Loading, Updating},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
