package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/antonellof/VeronaDB/pkg/catalog"
)

// Mandatory CSV column names
const (
	IDField           = "ID"
	StartIDField      = "START_ID"
	EndIDField        = "END_ID"
	StartIDLabelField = "START_ID_LABEL"
	EndIDLabelField   = "END_ID_LABEL"
)

// PropertyDataTypeSeparator splits a header column into name and type
const PropertyDataTypeSeparator = ":"

// headerColumn is one parsed CSV header column. Rel files carry special
// endpoint columns that are not stored as properties.
type headerColumn struct {
	Name    string
	Type    catalog.DataType
	Special bool
}

func isRelSpecialField(name string) bool {
	switch name {
	case StartIDField, EndIDField, StartIDLabelField, EndIDLabelField:
		return true
	}
	return false
}

// parseHeader parses name:type pairs. Duplicate names and missing types
// are fatal. When forRel is set, the endpoint columns are marked special
// and excluded from the property list.
func parseHeader(path, header string, sep byte, forRel bool) ([]headerColumn, []catalog.Property, error) {
	var columns []headerColumn
	var props []catalog.Property
	seen := make(map[string]bool)
	propertyID := uint32(0)
	for _, field := range strings.Split(header, string(sep)) {
		parts := strings.SplitN(field, PropertyDataTypeSeparator, 2)
		if len(parts) < 2 || parts[1] == "" {
			return nil, nil, &ParserError{File: path, Msg: fmt.Sprintf("cannot find data type in column head %q", field)}
		}
		name := strings.TrimSpace(parts[0])
		if seen[name] {
			return nil, nil, &ParserError{File: path, Msg: fmt.Sprintf("property name %q already exists", name)}
		}
		seen[name] = true
		dataType, err := catalog.ParseDataType(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, nil, &ParserError{File: path, Msg: err.Error()}
		}
		col := headerColumn{Name: name, Type: dataType, Special: forRel && isRelSpecialField(name)}
		columns = append(columns, col)
		if !col.Special {
			props = append(props, catalog.Property{Name: name, ID: propertyID, Type: dataType})
			propertyID++
		}
	}
	return columns, props, nil
}

func headerColumnIndex(columns []headerColumn, name string) int {
	for i, col := range columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

// Timestamp layouts accepted during load
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
}

// convertValue coerces a CSV token into the encoded slot form of its
// declared type. Strings are handled by the caller since they may need
// overflow space.
func convertValue(t catalog.DataType, token string) ([]byte, error) {
	switch t {
	case catalog.Int64:
		v, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to INT64", token)
		}
		return catalog.EncodeInt64(v), nil
	case catalog.Double:
		v, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to DOUBLE", token)
		}
		return catalog.EncodeDouble(v), nil
	case catalog.Boolean:
		v, err := strconv.ParseBool(strings.ToLower(token))
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to BOOLEAN", token)
		}
		return catalog.EncodeBool(v), nil
	case catalog.Date:
		v, err := time.ParseInLocation("2006-01-02", token, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to DATE", token)
		}
		return catalog.EncodeDate(v), nil
	case catalog.Timestamp:
		for _, layout := range timestampLayouts {
			if v, err := time.ParseInLocation(layout, token, time.UTC); err == nil {
				return catalog.EncodeTimestamp(v), nil
			}
		}
		return nil, fmt.Errorf("cannot convert %q to TIMESTAMP", token)
	case catalog.Interval:
		v, err := parseInterval(token)
		if err != nil {
			return nil, err
		}
		return catalog.EncodeInterval(v), nil
	}
	return nil, fmt.Errorf("unsupported conversion to %s", t)
}

// parseInterval parses "<n> <unit>" groups, e.g. "1 year 2 days 3 hours"
func parseInterval(token string) (catalog.IntervalValue, error) {
	var out catalog.IntervalValue
	fields := strings.Fields(token)
	if len(fields) == 0 || len(fields)%2 != 0 {
		return out, fmt.Errorf("cannot convert %q to INTERVAL", token)
	}
	for i := 0; i < len(fields); i += 2 {
		n, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return out, fmt.Errorf("cannot convert %q to INTERVAL", token)
		}
		switch strings.TrimSuffix(strings.ToLower(fields[i+1]), "s") {
		case "year":
			out.Months += int32(n * 12)
		case "month":
			out.Months += int32(n)
		case "day":
			out.Days += int32(n)
		case "hour":
			out.Micros += n * 3600 * 1e6
		case "minute":
			out.Micros += n * 60 * 1e6
		case "second":
			out.Micros += n * 1e6
		case "microsecond", "micro":
			out.Micros += n
		default:
			return out, fmt.Errorf("unknown interval unit %q", fields[i+1])
		}
	}
	return out, nil
}
