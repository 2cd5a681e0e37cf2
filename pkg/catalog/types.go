package catalog

import (
	"fmt"

	"github.com/antonellof/VeronaDB/pkg/storage"
)

// DataType enumerates the primitive structured property types
type DataType uint8

const (
	Int64 DataType = iota
	Double
	Boolean
	Date
	Timestamp
	Interval
	String
)

var dataTypeNames = map[DataType]string{
	Int64:     "INT64",
	Double:    "DOUBLE",
	Boolean:   "BOOLEAN",
	Date:      "DATE",
	Timestamp: "TIMESTAMP",
	Interval:  "INTERVAL",
	String:    "STRING",
}

func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", uint8(t))
}

// ParseDataType parses the type half of a CSV header column
func ParseDataType(s string) (DataType, error) {
	for t, name := range dataTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, &CatalogError{Msg: fmt.Sprintf("unknown data type %q", s)}
}

// Size returns the fixed slot size of a value of type t. Dates are int32
// days since epoch, timestamps int64 microseconds, intervals
// {months i32, days i32, micros i64}; strings are the 16-byte encoded form.
func (t DataType) Size() int {
	switch t {
	case Boolean:
		return 1
	case Date:
		return 4
	case Interval:
		return 16
	case String:
		return storage.GFStringSize
	default:
		return 8
	}
}

// Multiplicity is the per-direction cardinality of a rel table
type Multiplicity uint8

const (
	One Multiplicity = iota
	Many
)

func (m Multiplicity) String() string {
	if m == One {
		return "ONE"
	}
	return "MANY"
}

// RelMultiplicity is the src-to-dst cardinality declared in metadata
type RelMultiplicity uint8

const (
	OneOne RelMultiplicity = iota
	OneMany
	ManyOne
	ManyMany
)

// ParseRelMultiplicity parses a metadata relMultiplicity value
func ParseRelMultiplicity(s string) (RelMultiplicity, error) {
	switch s {
	case "ONE_ONE":
		return OneOne, nil
	case "ONE_MANY":
		return OneMany, nil
	case "MANY_ONE":
		return ManyOne, nil
	case "MANY_MANY":
		return ManyMany, nil
	}
	return 0, &CatalogError{Msg: fmt.Sprintf("invalid rel multiplicity %q", s)}
}

// ForDirection projects the declared cardinality onto one direction: a
// bound node in direction d has at most one rel exactly when the opposite
// side is declared ONE.
func (m RelMultiplicity) ForDirection(d storage.Direction) Multiplicity {
	if d == storage.FWD {
		// each src has at most one dst
		if m == OneOne || m == ManyOne {
			return One
		}
		return Many
	}
	if m == OneOne || m == OneMany {
		return One
	}
	return Many
}

// Property is one typed structured property of a table
type Property struct {
	Name string   `json:"name"`
	ID   uint32   `json:"id"`
	Type DataType `json:"type"`
}

// CatalogError reports a schema-level failure: duplicate names, unknown
// references. It is fatal before a load begins.
type CatalogError struct {
	Msg string
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog error: %s", e.Msg)
}
