package device

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dyluth/secontrol/pkg/bus"
)

const blueprintMarker = "<MyObjectBuilder_ShipBlueprintDefinition"

func invalid(field, format string, args ...any) error {
	return &bus.ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NormalizeColorComponent maps one colour component onto 0..1. Each
// component is classified on its own: values up to 1 are taken as fractions,
// values up to 100 as percentages and anything larger as 0..255 bytes.
// Negative values become 0.
func NormalizeColorComponent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v <= 1:
		return v
	case v <= 100:
		return v / 100
	default:
		return math.Min(v/255, 1)
	}
}

// ParseColor accepts a colour as a []float64 / []any triple, a map with r, g
// and b keys, or a string such as "255;128;0" or "1 0.5 0".
func ParseColor(value any) ([3]float64, error) {
	var out [3]float64

	var raw []any
	switch v := value.(type) {
	case [3]float64:
		raw = []any{v[0], v[1], v[2]}
	case []float64:
		for _, f := range v {
			raw = append(raw, f)
		}
	case []int:
		for _, n := range v {
			raw = append(raw, float64(n))
		}
	case []any:
		raw = v
	case map[string]any:
		for _, k := range []string{"r", "g", "b"} {
			c, ok := v[k]
			if !ok {
				return out, invalid("color", "missing %q component", k)
			}
			raw = append(raw, c)
		}
	case string:
		fields := strings.FieldsFunc(v, func(r rune) bool {
			return r == ';' || r == ',' || r == ' ' || r == '\t'
		})
		for _, f := range fields {
			raw = append(raw, f)
		}
	default:
		return out, invalid("color", "unsupported value %T", value)
	}

	if len(raw) != 3 {
		return out, invalid("color", "expected 3 components, got %d", len(raw))
	}
	for i, c := range raw {
		f, err := toFloat(c)
		if err != nil {
			return out, invalid("color", "component %d: %v", i, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return out, invalid("color", "component %d is not finite", i)
		}
		out[i] = NormalizeColorComponent(f)
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	}
	return 0, fmt.Errorf("not a number: %v", v)
}

// ValidateAxis checks a gyro override axis.
func ValidateAxis(field string, v float64) error {
	if math.IsNaN(v) || v < -1 || v > 1 {
		return invalid(field, "must be within -1..1, got %v", v)
	}
	return nil
}

// ValidatePrefab checks a prefab identifier for LoadPrefab.
func ValidatePrefab(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid("prefab", "must not be empty")
	}
	return nil
}

// ValidateBlueprintXML checks that xml looks like a ship blueprint document.
func ValidateBlueprintXML(xml string) error {
	if strings.TrimSpace(xml) == "" {
		return invalid("xml", "must not be empty")
	}
	if !strings.Contains(xml, blueprintMarker) {
		return invalid("xml", "not a ship blueprint definition")
	}
	return nil
}

// ValidateScale checks a projector scale factor.
func ValidateScale(scale float64) error {
	if math.IsNaN(scale) || scale <= 0 {
		return invalid("scale", "must be positive, got %v", scale)
	}
	return nil
}

// ValidateEntityID checks that id is a plugin entity ID.
func ValidateEntityID(field, id string) error {
	if id == "" {
		return invalid(field, "required")
	}
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return invalid(field, "must be a numeric entity id, got %q", id)
	}
	return nil
}

// ValidateGridName checks a grid name for Rename.
func ValidateGridName(name string) error {
	if strings.TrimSpace(name) == "" {
		return invalid("name", "must not be empty")
	}
	return nil
}
