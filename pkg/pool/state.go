package pool

// State is the lifecycle state of a service instance
//
//	Starting -> Ready -> Draining -> Restarting -> Starting   scheduled or memory restart
//	Ready -> Crashed -> Restarting -> Starting                 unexpected exit
//	any -> Stopped                                            pool shutdown
type State int32

const (
	Starting State = iota
	Ready
	Draining
	Restarting
	Crashed
	Stopped
)

var stateNames = map[State]string{
	Starting:   "starting",
	Ready:      "ready",
	Draining:   "draining",
	Restarting: "restarting",
	Crashed:    "crashed",
	Stopped:    "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

var transitions = map[State][]State{
	// an instance that dies or never gets ready while starting counts as crashed
	Starting:   {Ready, Crashed, Stopped},
	Ready:      {Draining, Crashed, Stopped},
	Draining:   {Restarting, Stopped},
	Crashed:    {Restarting, Stopped},
	Restarting: {Starting, Stopped},
	Stopped:    {},
}

// CanTransition reports whether to may follow s
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
