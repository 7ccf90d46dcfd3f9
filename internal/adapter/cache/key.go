package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Key builds a stable cache key from an endpoint name and its parameters.
// Parameter order does not matter.
func Key(endpoint string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(endpoint)
	for _, k := range names {
		fmt.Fprintf(&b, "|%s=%s", k, params[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return endpoint + ":" + hex.EncodeToString(sum[:12])
}

// Encode serializes v for storage.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes a stored payload into v.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
