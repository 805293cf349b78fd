package harvest

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"text/template"
)

// ListingGrid expands a URL template over every combination of dimension
// values, producing one partition per combination.
//
// The template uses Go's text/template syntax. Dimension values are
// URL-encoded before interpolation. Missing template keys cause an error
// (fail-fast). Output order is deterministic: dimension keys are iterated
// alphabetically and values keep their slice order.
//
// Example:
//
//	listings, err := harvest.ListingGrid(
//	    "https://shop.example.com/c/{{.category}}?sort=new&page={{.page}}",
//	    map[string][]string{
//	        "category": {"shoes", "bags"},
//	        "page":     {"1", "2", "3"},
//	    },
//	)
//	// 6 listing URLs, usable as partitions for Harvester.Run
func ListingGrid(urlTemplate string, dimensions map[string][]string) ([]string, error) {
	if strings.TrimSpace(urlTemplate) == "" {
		return nil, errors.New("URL template required")
	}
	if len(dimensions) == 0 {
		return nil, errors.New("at least one dimension required")
	}
	for key, values := range dimensions {
		if len(values) == 0 {
			return nil, fmt.Errorf("dimension %q has no values", key)
		}
		for _, v := range values {
			if v == "" {
				return nil, fmt.Errorf("dimension %q contains an empty value", key)
			}
		}
	}

	// parse template with missingkey=error for fail-fast behaviour
	tmpl, err := template.New("listing").Option("missingkey=error").Parse(urlTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid URL template: %w", err)
	}

	combinations := cartesianProduct(dimensions)
	listings := make([]string, 0, len(combinations))
	for _, combo := range combinations {
		rendered, err := executeTemplate(tmpl, urlEncodeMap(combo))
		if err != nil {
			return nil, fmt.Errorf("template execution failed: %w", err)
		}
		u, err := url.Parse(rendered)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("template produced invalid URL %q", rendered)
		}
		listings = append(listings, rendered)
	}
	return listings, nil
}

// cartesianProduct generates all combinations of dimension values.
// Keys are sorted alphabetically for deterministic output.
// Values maintain their original slice order.
//
// Example:
//
//	Input:  {"x": ["a","b"], "y": ["1","2"]}
//	Output: [{"x":"a","y":"1"}, {"x":"a","y":"2"}, {"x":"b","y":"1"}, {"x":"b","y":"2"}]
func cartesianProduct(dims map[string][]string) []map[string]string {
	if len(dims) == 0 {
		return nil
	}

	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := 1
	for _, k := range keys {
		if len(dims[k]) == 0 {
			return nil
		}
		total *= len(dims[k])
	}

	result := make([]map[string]string, 0, total)

	// odometer over the value indices, rightmost key fastest
	indices := make([]int, len(keys))
	for {
		combo := make(map[string]string, len(keys))
		for i, k := range keys {
			combo[k] = dims[k][indices[i]]
		}
		result = append(result, combo)

		i := len(keys) - 1
		for ; i >= 0; i-- {
			indices[i]++
			if indices[i] < len(dims[keys[i]]) {
				break
			}
			indices[i] = 0
		}
		if i < 0 {
			return result
		}
	}
}

// urlEncodeMap returns a new map with all values URL-encoded.
func urlEncodeMap(m map[string]string) map[string]string {
	result := make(map[string]string, len(m))
	for k, v := range m {
		result[k] = url.QueryEscape(v)
	}
	return result
}

func executeTemplate(tmpl *template.Template, data map[string]string) (string, error) {
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
