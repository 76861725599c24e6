package spotify

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
)

// RequestKey builds the dedup key for a request: method, normalized URL and a
// canonical form of the body. JSON bodies are re-encoded so object keys come
// out sorted; other bodies are used verbatim.
func RequestKey(method, rawURL string, body []byte) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(normalizeURL(rawURL))
	if len(body) > 0 {
		b.WriteByte(' ')
		b.Write(canonicalBody(body))
	}
	return b.String()
}

// normalizeURL sorts query parameters so ?a=1&b=2 and ?b=2&a=1 share a key
func normalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.RawQuery == "" {
		return rawURL
	}
	u.RawQuery = u.Query().Encode()
	return u.String()
}

func canonicalBody(body []byte) []byte {
	var v any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return body
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return canonical
}
