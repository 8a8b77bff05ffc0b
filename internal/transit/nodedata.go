package transit

// RideNodeData is a ride together with the stations it calls at.
type RideNodeData struct {
	Ride     Ride      `json:"ride"`
	Stations []Station `json:"stations,omitempty"`
}

// LineNodeData groups the rides of one line.
type LineNodeData struct {
	Line  Line           `json:"line"`
	Rides []RideNodeData `json:"rides,omitempty"`
}

// CompanyNodeData groups the lines of one company. A rides-from-station reply
// is a list of these trees.
type CompanyNodeData struct {
	Company Company        `json:"company"`
	Lines   []LineNodeData `json:"lines,omitempty"`
}

// RideCount returns the number of rides in the tree.
func (c CompanyNodeData) RideCount() int {
	n := 0
	for _, l := range c.Lines {
		n += len(l.Rides)
	}
	return n
}
