package results

import (
	"strconv"
	"strings"
)

// Filter clauses are AND-combined. String fields match by case-insensitive
// substring, numeric fields by optional comparison operator, list fields by
// substring against any element. An unknown field name matches nothing,
// never errors.

type clause struct {
	field string
	match func(f *Finding) bool
}

type filterSet struct {
	clauses []clause
}

func compileFilters(filters map[string]string) *filterSet {
	fs := &filterSet{}
	for field, expr := range filters {
		fs.clauses = append(fs.clauses, compileClause(field, expr))
	}
	return fs
}

func (fs *filterSet) matches(f *Finding) bool {
	for _, c := range fs.clauses {
		if !c.match(f) {
			return false
		}
	}
	return true
}

func compileClause(field, expr string) clause {
	return clause{field: field, match: func(f *Finding) bool {
		value, ok := fieldValue(f, field)
		if !ok {
			return false
		}
		switch v := value.(type) {
		case string:
			return strings.Contains(strings.ToLower(v), strings.ToLower(expr))
		case int:
			return matchNumeric(float64(v), expr)
		case float64:
			return matchNumeric(v, expr)
		case bool:
			want, err := strconv.ParseBool(strings.TrimSpace(expr))
			return err == nil && v == want
		case []string:
			needle := strings.ToLower(expr)
			for _, elem := range v {
				if strings.Contains(strings.ToLower(elem), needle) {
					return true
				}
			}
			return false
		}
		return false
	}}
}

func matchNumeric(value float64, expr string) bool {
	expr = strings.TrimSpace(expr)
	op := "=="
	switch {
	case strings.HasPrefix(expr, ">="):
		op, expr = ">=", expr[2:]
	case strings.HasPrefix(expr, "<="):
		op, expr = "<=", expr[2:]
	case strings.HasPrefix(expr, ">"):
		op, expr = ">", expr[1:]
	case strings.HasPrefix(expr, "<"):
		op, expr = "<", expr[1:]
	case strings.HasPrefix(expr, "="):
		expr = expr[1:]
	}

	threshold, err := strconv.ParseFloat(strings.TrimSpace(expr), 64)
	if err != nil {
		return false
	}
	switch op {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	default:
		return value == threshold
	}
}
