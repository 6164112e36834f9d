package driver

// State is the driver's position in its run state machine.
type State int

const (
	Idle State = iota
	AwaitingSeed
	RunningItem
	WaitingForCompletion
	Retrying
	Suspended
	Stopped
	Complete
)

var stateNames = [...]string{
	Idle:                 "Idle",
	AwaitingSeed:         "AwaitingSeed",
	RunningItem:          "RunningItem",
	WaitingForCompletion: "WaitingForCompletion",
	Retrying:             "Retrying",
	Suspended:            "Suspended",
	Stopped:              "Stopped",
	Complete:             "Complete",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Status is the coarse run status reported to UI collaborators.
type Status string

const (
	StatusRunning        Status = "Running"
	StatusQueueRunning   Status = "Queue Running"
	StatusWaitingRestart Status = "Waiting restart"
	StatusStopped        Status = "Stopped"
	StatusIdle           Status = "Idle"
)
