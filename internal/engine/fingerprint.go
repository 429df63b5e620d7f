package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/exospherehost/state-manager/internal/model"
)

// Fingerprint canonicalizes a fan-in state's identity and hashes it with
// SHA-256. Two concurrent completions of the same barrier compute the same
// fingerprint and collide on the store's unique partial index; the loser is
// a benign race. The attempt number participates so a retry sibling of a
// fan-in state does not collide with its predecessor attempt.
func Fingerprint(s *model.State) string {
	parents := make(map[string]string, len(s.Parents))
	for _, l := range s.Parents {
		parents[l.Identifier] = l.StateID
	}
	payload := map[string]any{
		"node_name":  s.NodeName,
		"namespace":  s.Namespace,
		"identifier": s.Identifier,
		"graph_name": s.GraphName,
		"run_id":     s.RunID,
		"attempt":    s.Attempt,
		"parents":    parents,
	}
	// encoding/json sorts map keys at every level; compact separators and
	// disabled HTML escaping keep the serialization canonical.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		// Only plain strings and ints are encoded; this cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(sum[:])
}
