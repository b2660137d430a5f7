package extract

import (
	"fmt"
	"strings"

	"datatracker/internal/domain"
)

// Fields describes a feed layout by dotted field paths.
type Fields struct {
	ItemsPath   string
	IDField     string
	LonFields   []string
	LatFields   []string
	FilterField string
	FilterValue string
}

// FromFields builds a Set for the layout described by f. Empty fields keep
// the default behaviour.
func FromFields(f Fields) Set {
	s := Defaults()

	if f.ItemsPath != "" {
		path := f.ItemsPath
		s.Items = func(response any) ([]any, bool) {
			v, ok := Lookup(response, path)
			if !ok {
				return nil, false
			}
			items, ok := v.([]any)
			return items, ok
		}
	}

	if f.IDField != "" {
		field := f.IDField
		s.ID = func(item any) (domain.EntityID, bool) {
			return ID(item, field)
		}
	}

	if len(f.LonFields) > 0 || len(f.LatFields) > 0 {
		lonFields := orDefault(f.LonFields, []string{"lon", "longitude"})
		latFields := orDefault(f.LatFields, []string{"lat", "latitude"})
		s.Metadata = func(item any) (domain.Position, bool) {
			return pick(item, lonFields, latFields)
		}
	}

	if f.FilterField != "" {
		field, want := f.FilterField, f.FilterValue
		s.Filter = func(item any) bool {
			v, ok := Lookup(item, field)
			if !ok {
				return false
			}
			if want == "" {
				return true
			}
			return fmt.Sprint(v) == want
		}
	}

	return s
}

// Lookup walks a dotted path through nested JSON objects. A nil value counts
// as absent.
func Lookup(v any, path string) (any, bool) {
	if path == "" || path == "." {
		return v, v != nil
	}
	cur := v
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
