package model

import "time"

// WorldTick records one snapshot generation of a group, including the
// timing observations consumers use to judge tick health. Duration covers
// the capture itself; Headroom is how much of the tick rate was left over
// (negative when the tick ran long, in which case IsDelayed is set).
type WorldTick struct {
	ID          int64         `json:"id"`
	GroupID     string        `json:"group_id"`
	TickNumber  int64         `json:"tick_number"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration"`
	EntityCount int           `json:"entity_count"`
	ScriptCount int           `json:"script_count"`
	AssetCount  int           `json:"asset_count"`
	IsDelayed   bool          `json:"is_delayed"`
	Headroom    time.Duration `json:"headroom"`
	// SincePrevious is the gap between this tick's start and the previous
	// tick's start; zero for the first retained tick.
	SincePrevious time.Duration `json:"since_previous"`
}
