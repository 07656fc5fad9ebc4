package bridge

import (
	"time"

	"github.com/c360/simbridge/message"
)

// StepRecord captures one simulator transition for offline analysis.
type StepRecord struct {
	Episode   int                  `json:"episode"`
	Step      int                  `json:"step"`
	State     message.StateRecord  `json:"state"`
	Action    message.ActionRecord `json:"action"`
	Reward    float64              `json:"reward"`
	Terminal  bool                 `json:"terminal"`
	Timestamp time.Time            `json:"timestamp"`
}

// Recorder receives step records as the runner produces them. Implementations
// must not block: the runner calls Record on the simulation thread, so a slow
// sink should buffer internally and drop rather than stall stepping.
type Recorder interface {
	Record(rec StepRecord)
}
