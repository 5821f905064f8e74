package job

import (
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"slices"
	"strings"
)

// Destinations resolves where new jobs run: an explicitly requested
// destination wins, then the tool's configured destination, then the default.
type Destinations struct {
	byID  map[string]model.JobDestination
	tools map[string]string
	def   string
}

// NewDestinations validates and indexes the configured destinations.
func NewDestinations(dests []model.JobDestination, toolDestinations map[string]string, defaultID string) (*Destinations, error) {
	if len(dests) == 0 {
		return nil, apperrors.Validation("destinations", "at least one destination is required")
	}
	d := &Destinations{byID: make(map[string]model.JobDestination, len(dests)), tools: toolDestinations, def: defaultID}
	for i, dest := range dests {
		if dest.ID == "" || dest.Runner == "" {
			return nil, apperrors.Validation(fmt.Sprintf("destinations[%d]", i), "id and runner are required")
		}
		if _, dup := d.byID[dest.ID]; dup {
			return nil, apperrors.Validation(fmt.Sprintf("destinations[%d]", i), fmt.Sprintf("duplicate destination %q", dest.ID))
		}
		d.byID[dest.ID] = dest.Clone()
	}
	if d.def == "" {
		d.def = dests[0].ID
	}
	if _, ok := d.byID[d.def]; !ok {
		return nil, apperrors.Validation("default_destination", fmt.Sprintf("unknown destination %q", d.def))
	}
	for toolID, id := range toolDestinations {
		if _, ok := d.byID[id]; !ok {
			return nil, apperrors.Validation("tool_destinations", fmt.Sprintf("tool %s maps to unknown destination %q", toolID, id))
		}
	}
	return d, nil
}

// Resolve returns a private copy of the destination for a job of toolID.
func (d *Destinations) Resolve(toolID, requested string) (model.JobDestination, error) {
	id := requested
	if id == "" {
		id = d.tools[toolID]
	}
	if id == "" {
		id = d.def
	}
	dest, ok := d.byID[id]
	if !ok {
		return model.JobDestination{}, apperrors.Validation("destination", fmt.Sprintf("unknown destination %q", id))
	}
	return dest.Clone(), nil
}

// All returns the destinations sorted by id.
func (d *Destinations) All() []model.JobDestination {
	out := make([]model.JobDestination, 0, len(d.byID))
	for _, dest := range d.byID {
		out = append(out, dest.Clone())
	}
	slices.SortFunc(out, func(a, b model.JobDestination) int { return strings.Compare(a.ID, b.ID) })
	return out
}
