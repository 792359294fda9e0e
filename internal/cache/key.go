package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// GenerateKey derives a cache key from a namespace, a free-text query and a set
// of request options.
//
// The query is trimmed, lowercased and has inner whitespace collapsed. Options
// are canonicalised through JSON, so map key order and field order do not matter,
// and nil, an empty map and an empty struct all produce the same key.
func GenerateKey(namespace, query string, options any) string {
	h := sha256.New()
	h.Write([]byte(NormalizeQuery(query)))
	h.Write([]byte{0})
	h.Write(canonicalOptions(options))
	return namespace + ":" + hex.EncodeToString(h.Sum(nil))
}

// NormalizeQuery lowercases the query, trims it and collapses runs of whitespace.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// canonicalOptions re-encodes options through a generic value so that objects
// come out with sorted keys. Numbers keep their literal text, so integers
// beyond float64 precision stay distinct.
func canonicalOptions(options any) []byte {
	if options == nil {
		return []byte("{}")
	}
	raw, err := json.Marshal(options)
	if err != nil {
		return []byte(fmt.Sprintf("%#v", options))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return raw
	}
	if generic == nil {
		return []byte("{}")
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return raw
	}
	return out
}
