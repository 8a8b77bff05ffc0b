// Package transit holds the public transportation payloads exchanged between
// the manager and its backends.
package transit

import "maps"

// Object is the common shape of every transportation entity.
//
// Internal carries backend-private data (database keys, remote ids) that the
// manager never interprets but hands back to the same backend in later
// requests. Properties carries display data.
type Object struct {
	Identifier string         `json:"identifier"`
	Internal   map[string]any `json:"internal,omitempty"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
}

// IsNull reports whether the object carries no identity at all.
func (o Object) IsNull() bool {
	return o.Identifier == "" && o.Name == "" && len(o.Internal) == 0 && len(o.Properties) == 0
}

// Equal compares identifier, name, and both maps.
func (o Object) Equal(other Object) bool {
	if o.Identifier != other.Identifier || o.Name != other.Name {
		return false
	}
	return mapsEqual(o.Internal, other.Internal) && mapsEqual(o.Properties, other.Properties)
}

func mapsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	return maps.EqualFunc(a, b, func(x, y any) bool { return x == y })
}

// Station is a stop served by one or more lines.
type Station struct {
	Object
}

// Line is a named route operated by a company.
type Line struct {
	Object
}

// Ride is a single departure of a line.
type Ride struct {
	Object
}

// Company operates lines.
type Company struct {
	Object
}

// NewStation builds a station.
func NewStation(identifier string, internal map[string]any, name string, properties map[string]any) Station {
	return Station{Object{Identifier: identifier, Internal: internal, Name: name, Properties: properties}}
}

// NewLine builds a line.
func NewLine(identifier string, internal map[string]any, name string, properties map[string]any) Line {
	return Line{Object{Identifier: identifier, Internal: internal, Name: name, Properties: properties}}
}

// NewRide builds a ride.
func NewRide(identifier string, internal map[string]any, name string, properties map[string]any) Ride {
	return Ride{Object{Identifier: identifier, Internal: internal, Name: name, Properties: properties}}
}

// NewCompany builds a company.
func NewCompany(identifier string, internal map[string]any, name string, properties map[string]any) Company {
	return Company{Object{Identifier: identifier, Internal: internal, Name: name, Properties: properties}}
}
