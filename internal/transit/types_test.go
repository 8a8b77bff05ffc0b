package transit

import (
	"encoding/json"
	"testing"
)

func TestObjectEqual(t *testing.T) {
	a := NewStation("s1", map[string]any{"db": 1}, "Nation", nil)
	b := NewStation("s1", map[string]any{"db": 1}, "Nation", map[string]any{})
	if !a.Equal(b.Object) {
		t.Fatal("expected stations to be equal")
	}

	c := NewStation("s1", map[string]any{"db": 2}, "Nation", nil)
	if a.Equal(c.Object) {
		t.Fatal("expected internal map difference to break equality")
	}
}

func TestObjectIsNull(t *testing.T) {
	if !(Station{}).IsNull() {
		t.Error("zero station should be null")
	}
	if NewLine("l1", nil, "", nil).IsNull() {
		t.Error("line with identifier should not be null")
	}
}

func TestStationJSONFlattensObject(t *testing.T) {
	st := NewStation("org.test/1", nil, "Test1", nil)
	b, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"identifier":"org.test/1","name":"Test1"}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
}

func TestCompanyNodeDataRideCount(t *testing.T) {
	tree := CompanyNodeData{
		Company: NewCompany("c", nil, "RATP", nil),
		Lines: []LineNodeData{
			{Line: NewLine("l1", nil, "1", nil), Rides: []RideNodeData{{}, {}}},
			{Line: NewLine("l2", nil, "2", nil), Rides: []RideNodeData{{}}},
		},
	}
	if got := tree.RideCount(); got != 3 {
		t.Fatalf("RideCount() = %d, want 3", got)
	}
}
