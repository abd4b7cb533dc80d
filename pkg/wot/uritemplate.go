package wot

import (
	"fmt"
	"sort"

	"github.com/yosida95/uritemplate/v3"
)

// ExpandURIVariables treats the form href as an RFC 6570 template and
// expands it with params. The same *Form is returned when no template
// variable is present in params or when expansion leaves the href as it
// was; otherwise a copy with the expanded href is returned.
func ExpandURIVariables(form *Form, params map[string]any) (*Form, error) {
	if form == nil || len(params) == 0 {
		return form, nil
	}

	tmpl, err := uritemplate.New(form.Href)
	if err != nil {
		return nil, fmt.Errorf("invalid uri template %q: %w", form.Href, err)
	}

	values := uritemplate.Values{}
	for _, name := range tmpl.Varnames() {
		if v, ok := params[name]; ok {
			values.Set(name, templateValue(v))
		}
	}
	if len(values) == 0 {
		return form, nil
	}

	href, err := tmpl.Expand(values)
	if err != nil {
		return nil, fmt.Errorf("failed to expand %q: %w", form.Href, err)
	}
	if href == form.Href {
		return form, nil
	}

	expanded := form.Clone()
	expanded.Href = href
	return expanded, nil
}

func templateValue(v any) uritemplate.Value {
	switch val := v.(type) {
	case []string:
		return uritemplate.List(val...)
	case []any:
		items := make([]string, len(val))
		for i, item := range val {
			items[i] = fmt.Sprint(item)
		}
		return uritemplate.List(items...)
	case map[string]string:
		return uritemplate.KV(sortedPairs(len(val), func(yield func(k, v string)) {
			for k, v := range val {
				yield(k, v)
			}
		})...)
	case map[string]any:
		return uritemplate.KV(sortedPairs(len(val), func(yield func(k, v string)) {
			for k, v := range val {
				yield(k, fmt.Sprint(v))
			}
		})...)
	default:
		return uritemplate.String(fmt.Sprint(v))
	}
}

func sortedPairs(n int, each func(yield func(k, v string))) []string {
	type pair struct{ k, v string }
	pairs := make([]pair, 0, n)
	each(func(k, v string) { pairs = append(pairs, pair{k, v}) })
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })
	kv := make([]string, 0, 2*len(pairs))
	for _, p := range pairs {
		kv = append(kv, p.k, p.v)
	}
	return kv
}
