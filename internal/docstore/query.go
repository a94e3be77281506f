package docstore

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

type Op string

const (
	OpEqual         Op = "=="
	OpNotEqual      Op = "!="
	OpLess          Op = "<"
	OpLessEqual     Op = "<="
	OpGreater       Op = ">"
	OpGreaterEqual  Op = ">="
	OpIn            Op = "in"
	OpArrayContains Op = "array-contains"
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

type Order struct {
	Field string
	Desc  bool
}

// Query selects documents of one collection. Filters are ANDed.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    []Order
	Limit      int
}

// Where is shorthand for building a Filter.
func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// NewQuery starts a query over collection.
func NewQuery(collection string, filters ...Filter) Query {
	return Query{Collection: collection, Filters: filters}
}

func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(slices.Clone(q.Filters), Where(field, op, value))
	return q
}

func (q Query) Order(field string, desc bool) Query {
	q.OrderBy = append(slices.Clone(q.OrderBy), Order{Field: field, Desc: desc})
	return q
}

func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// Validate rejects unknown operators and malformed operands.
func (q Query) Validate() error {
	if q.Collection == "" {
		return fmt.Errorf("query: empty collection")
	}
	for _, f := range q.Filters {
		switch f.Op {
		case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpArrayContains:
		case OpIn:
			if _, ok := asList(f.Value); !ok {
				return fmt.Errorf("query: %q operand for %s must be a list", f.Op, f.Field)
			}
		default:
			return fmt.Errorf("query: unsupported operator %q", f.Op)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("query: negative limit")
	}
	return nil
}

// Matches reports whether fields satisfy every filter. A missing field only
// satisfies "!=".
func (q Query) Matches(fields Fields) bool {
	for _, f := range q.Filters {
		if !matchFilter(fields, f) {
			return false
		}
	}
	return true
}

func matchFilter(fields Fields, f Filter) bool {
	v, present := fields[f.Field]
	switch f.Op {
	case OpEqual:
		return present && Equal(v, f.Value)
	case OpNotEqual:
		return !present || !Equal(v, f.Value)
	case OpLess:
		return present && orderable(v, f.Value) && Compare(v, f.Value) < 0
	case OpLessEqual:
		return present && orderable(v, f.Value) && Compare(v, f.Value) <= 0
	case OpGreater:
		return present && orderable(v, f.Value) && Compare(v, f.Value) > 0
	case OpGreaterEqual:
		return present && orderable(v, f.Value) && Compare(v, f.Value) >= 0
	case OpIn:
		list, _ := asList(f.Value)
		for _, item := range list {
			if present && Equal(v, item) {
				return true
			}
		}
		return false
	case OpArrayContains:
		list, ok := asList(v)
		if !ok {
			return false
		}
		for _, item := range list {
			if Equal(item, f.Value) {
				return true
			}
		}
		return false
	}
	return false
}

// Apply filters, orders and limits docs in place of a backend query planner.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d.Fields) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range q.OrderBy {
			c := Compare(out[i].Fields[o.Field], out[j].Fields[o.Field])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Equal compares two field values, treating every numeric representation
// (int, int64, float64, json.Number) as the same number.
func Equal(a, b any) bool {
	if da, ok := toDecimal(a); ok {
		db, ok := toDecimal(b)
		return ok && da.Equal(db)
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	la, okA := asList(a)
	lb, okB := asList(b)
	if okA && okB {
		if len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !Equal(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// Compare orders values: nil < bool < numbers < strings. Values of different
// kinds compare by that rank.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case rankNumber:
		da, _ := toDecimal(a)
		db, _ := toDecimal(b)
		return da.Cmp(db)
	case rankString:
		return strings.Compare(a.(string), b.(string))
	case rankBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		}
		return 1
	}
	return 0
}

const (
	rankNil = iota
	rankBool
	rankNumber
	rankString
	rankOther
)

func rank(v any) int {
	if v == nil {
		return rankNil
	}
	if _, ok := toDecimal(v); ok {
		return rankNumber
	}
	switch v.(type) {
	case bool:
		return rankBool
	case string:
		return rankString
	}
	return rankOther
}

func orderable(a, b any) bool {
	r := rank(a)
	return r == rank(b) && r != rankOther && r != rankNil
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case decimal.Decimal:
		return n, true
	}
	return decimal.Decimal{}, false
}

func toInt64(v any) (int64, bool) {
	d, ok := toDecimal(v)
	if !ok {
		return 0, false
	}
	return d.IntPart(), true
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []int64:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}
