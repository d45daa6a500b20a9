package engine

import (
	"time"

	"github.com/dbaseqp/checkmaster/engine/flag"
)

// Task is one claimed check of a team's service in a tick.
type Task struct {
	ServiceID uint      `json:"service_id"`
	TeamID    uint      `json:"team_id"`     // Numeric identifier for the team
	TeamNetNo int       `json:"team_net_no"` // Network number used in the target address
	Tick      int       `json:"tick"`
	Target    string    `json:"target"`
	Deadline  time.Time `json:"deadline"`

	Flags *flag.Generator `json:"-"`
}
