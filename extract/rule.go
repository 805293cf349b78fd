package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// Rule extracts a single value from a [Document]. An empty string means the
// rule did not match.
//
// Rules follow functional programming principles: the same document always
// produces the same value, which makes them easy to test, compose, and
// evaluate against sample pages.
type Rule func(doc *Document) string

// Parse compiles a rule string. See the package documentation for the
// syntax.
//
// Returns an error for an unknown kind, an empty argument, an invalid CSS
// selector or an invalid regular expression.
func Parse(rule string) (Rule, error) {
	rule = strings.TrimSpace(rule)
	if rule == "title" {
		return Title, nil
	}

	kind, arg, ok := strings.Cut(rule, ":")
	if !ok {
		return nil, fmt.Errorf("rule %q: expected kind:argument", rule)
	}
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, fmt.Errorf("rule %q: empty argument", rule)
	}

	switch kind {
	case "css":
		selector, attr := splitAttr(arg)
		return CSS(selector, attr)
	case "regex":
		return Regex(arg)
	case "json":
		return JSON(arg), nil
	case "meta":
		return Meta(arg), nil
	default:
		return nil, fmt.Errorf("rule %q: unknown kind %q", rule, kind)
	}
}

// MustParse is like [Parse] but panics if the rule is invalid.
//
// Use this for compile-time constant rules where you want to fail fast.
func MustParse(rule string) Rule {
	r, err := Parse(rule)
	if err != nil {
		panic("extract: " + err.Error())
	}
	return r
}

// splitAttr splits "a.link@href" into ("a.link", "href"). An @ inside an
// attribute selector is not a split point.
func splitAttr(arg string) (selector, attr string) {
	i := strings.LastIndex(arg, "@")
	if i <= 0 || strings.Contains(arg[i:], "]") {
		return arg, ""
	}
	return strings.TrimSpace(arg[:i]), strings.TrimSpace(arg[i+1:])
}

// CSS returns a [Rule] yielding the text of the first element matching
// selector, or the value of attr on it when attr is non-empty. Text is
// whitespace-normalised.
func CSS(selector, attr string) (Rule, error) {
	matcher, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("css selector %q: %w", selector, err)
	}

	return func(doc *Document) string {
		root, err := doc.HTML()
		if err != nil {
			return ""
		}
		sel := root.FindMatcher(matcher).First()
		if sel.Length() == 0 {
			return ""
		}
		if attr != "" {
			v, _ := sel.Attr(attr)
			return strings.TrimSpace(v)
		}
		return normalize(sel.Text())
	}, nil
}

// Regex returns a [Rule] matching the raw body against pattern. The first
// capture group is returned when the pattern has one, the whole match
// otherwise.
func Regex(pattern string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("regex %q: %w", pattern, err)
	}

	return func(doc *Document) string {
		m := re.FindSubmatch(doc.Body)
		switch {
		case m == nil:
			return ""
		case len(m) > 1:
			return strings.TrimSpace(string(m[1]))
		default:
			return strings.TrimSpace(string(m[0]))
		}
	}, nil
}

// JSON returns a [Rule] that walks a dot-separated path, for example
// "offers.price" or "images.0". The body is tried as JSON first, then every
// <script type="application/ld+json"> block in document order.
//
// Numeric path parts index arrays; any other part applied to an array is
// tried against each element in turn.
func JSON(path string) Rule {
	parts := strings.Split(path, ".")

	return func(doc *Document) string {
		var data any
		if err := json.Unmarshal(doc.Body, &data); err == nil {
			return jsonPath(data, parts)
		}

		root, err := doc.HTML()
		if err != nil {
			return ""
		}
		var out string
		root.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			var block any
			if json.Unmarshal([]byte(s.Text()), &block) != nil {
				return true
			}
			out = jsonPath(block, parts)
			return out == ""
		})
		return out
	}
}

// jsonPath walks a decoded JSON value.
func jsonPath(data any, parts []string) string {
	if len(parts) == 0 {
		return scalar(data)
	}

	switch v := data.(type) {
	case map[string]any:
		next, ok := v[parts[0]]
		if !ok {
			return ""
		}
		return jsonPath(next, parts[1:])
	case []any:
		if i, err := strconv.Atoi(parts[0]); err == nil {
			if i < 0 || i >= len(v) {
				return ""
			}
			return jsonPath(v[i], parts[1:])
		}
		for _, elem := range v {
			if s := jsonPath(elem, parts); s != "" {
				return s
			}
		}
	}
	return ""
}

func scalar(v any) string {
	switch v := v.(type) {
	case string:
		return strings.TrimSpace(v)
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// Meta returns a [Rule] yielding the content of the first <meta> element
// whose name or property equals name.
func Meta(name string) Rule {
	return func(doc *Document) string {
		root, err := doc.HTML()
		if err != nil {
			return ""
		}
		var out string
		root.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			n, _ := s.Attr("name")
			p, _ := s.Attr("property")
			if !strings.EqualFold(n, name) && !strings.EqualFold(p, name) {
				return true
			}
			content, _ := s.Attr("content")
			out = strings.TrimSpace(content)
			return out == ""
		})
		return out
	}
}

// Title is a [Rule] yielding the document title.
var Title Rule = func(doc *Document) string {
	root, err := doc.HTML()
	if err != nil {
		return ""
	}
	return normalize(root.Find("title").First().Text())
}

// FirstMatch returns a [Rule] that tries rules in order and returns the
// first non-empty value.
func FirstMatch(rules ...Rule) Rule {
	return func(doc *Document) string {
		for _, r := range rules {
			if v := r(doc); v != "" {
				return v
			}
		}
		return ""
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
