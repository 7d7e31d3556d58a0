// Package querystring encodes and decodes URL query parameters.
//
// Authorization servers and EHR launch pages are not always strict about the
// query strings they produce, so decoding is deliberately permissive: a pair
// without '=' is kept with an empty value instead of being rejected.
package querystring

import "net/url"

// Pair is a single query parameter. Encoding preserves the order in which
// pairs are listed.
type Pair struct {
	Key   string
	Value string
}

// Pairs is an ordered list of query parameters.
type Pairs []Pair

// Append adds a parameter and returns the extended list.
func (p Pairs) Append(key, value string) Pairs {
	return append(p, Pair{Key: key, Value: value})
}

// Encode appends the given parameters to base as a query string. Values are
// URL-escaped, keys are not. The separator is '?' unless base already contains
// one, in which case it is '&'. An empty parameter list returns base unchanged.
func Encode(params Pairs, base string) string {
	if len(params) == 0 {
		return base
	}
	result := base
	sep := "?"
	for i := 0; i < len(base); i++ {
		if base[i] == '?' {
			sep = "&"
			break
		}
	}
	for _, param := range params {
		result += sep + param.Key + "=" + url.QueryEscape(param.Value)
		sep = "&"
	}
	return result
}

// Decode parses a query string into a map. A leading '?' is ignored. Values
// are URL-unescaped, keys are kept as-is. A pair without '=' maps to an empty
// value. A value that fails to unescape is kept verbatim.
func Decode(query string) map[string]string {
	if len(query) > 0 && query[0] == '?' {
		query = query[1:]
	}
	result := make(map[string]string)
	if query == "" {
		return result
	}
	for _, pair := range splitPairs(query) {
		key := pair
		value := ""
		for i := 0; i < len(pair); i++ {
			if pair[i] == '=' {
				key = pair[:i]
				value = pair[i+1:]
				break
			}
		}
		if unescaped, err := url.QueryUnescape(value); err == nil {
			value = unescaped
		}
		result[key] = value
	}
	return result
}

func splitPairs(query string) []string {
	var pairs []string
	start := 0
	for i := 0; i <= len(query); i++ {
		if i == len(query) || query[i] == '&' {
			if i > start {
				pairs = append(pairs, query[start:i])
			}
			start = i + 1
		}
	}
	return pairs
}
