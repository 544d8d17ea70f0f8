package loadtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/jmespath/go-jmespath"
	"github.com/studiowebux/stompload/internal/types"
)

// PayloadMatcher checks delivered bodies against an expectation
type PayloadMatcher struct {
	exact    []byte
	hasExact bool
	fields   []fieldCheck
}

type fieldCheck struct {
	expr    string
	query   *jmespath.JMESPath
	want    string
	pattern *regexp2.Regexp // set when want is written as /regex/
}

// NewPayloadMatcher compiles e. When e is empty every body must equal fixture.
func NewPayloadMatcher(e *types.Expectation, fixture []byte) (*PayloadMatcher, error) {
	m := &PayloadMatcher{}

	if e.IsEmpty() {
		m.exact, m.hasExact = fixture, true
		return m, nil
	}

	if e.Exact != "" {
		m.exact, m.hasExact = []byte(e.Exact), true
	}

	exprs := make([]string, 0, len(e.Fields))
	for expr := range e.Fields {
		exprs = append(exprs, expr)
	}
	sort.Strings(exprs)

	for _, expr := range exprs {
		want := e.Fields[expr]
		query, err := jmespath.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid JMESPath %q: %w", expr, err)
		}
		check := fieldCheck{expr: expr, query: query, want: want}

		if len(want) >= 2 && strings.HasPrefix(want, "/") && strings.HasSuffix(want, "/") {
			re, err := regexp2.Compile(want[1:len(want)-1], regexp2.None)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern for %q: %w", expr, err)
			}
			check.pattern = re
		}
		m.fields = append(m.fields, check)
	}
	return m, nil
}

// Match returns nil when body satisfies the expectation, or the reason it does not
func (m *PayloadMatcher) Match(body []byte) error {
	if m.hasExact && !bytes.Equal(body, m.exact) {
		return fmt.Errorf("expected body %q", truncate(string(m.exact), 200))
	}
	if len(m.fields) == 0 {
		return nil
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return fmt.Errorf("body is not valid JSON: %v", err)
	}

	for _, check := range m.fields {
		result, err := check.query.Search(data)
		if err != nil {
			return fmt.Errorf("field %s: %v", check.expr, err)
		}
		got := renderValue(result)

		if check.pattern != nil {
			ok, err := check.pattern.MatchString(got)
			if err != nil {
				return fmt.Errorf("field %s: %v", check.expr, err)
			}
			if !ok {
				return fmt.Errorf("field %s value %q does not match %s", check.expr, got, check.want)
			}
			continue
		}
		if got != check.want {
			return fmt.Errorf("field %s expected %q but got %q", check.expr, check.want, got)
		}
	}
	return nil
}

func renderValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
