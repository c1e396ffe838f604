package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lazypower/spiralmem/internal/spiral"
)

// ConsolidatedType tags the content of entries produced by consolidation.
const ConsolidatedType = "consolidated"

// idNamespace scopes the name-based entry ids.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("spiralmem.entry"))

// EntryID identifies an entry within a store.
type EntryID string

// Entry is a single stored memory. Content is owned by the caller and is not
// copied; everything else is fixed at creation.
type Entry struct {
	ID        EntryID         `json:"id"`
	CreatedAt uint64          `json:"created_at"`
	Weight    float64         `json:"weight"`
	Content   any             `json:"content"`
	Position  spiral.Position `json:"position"`
	Resonance float64         `json:"resonance"`
	Accesses  uint64          `json:"accesses"`
}

func (e Entry) sample() spiral.Sample {
	return spiral.Sample{Position: e.Position, Weight: e.Weight, Seq: e.CreatedAt}
}

// Consolidated is the content of an entry that replaced a coherent group.
type Consolidated struct {
	Type    string    `json:"type"`
	Sources []EntryID `json:"sources"`
}

// Serialize renders content as the text used for hashing and substring
// matching. Strings, byte slices and Stringers are used as-is; anything else
// is JSON-encoded, falling back to fmt's %v form.
func Serialize(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Sprintf("%v", content)
	}
	return string(data)
}

// contentDigest hashes the serialized content. It may call back into caller
// code, so it must run without the store lock held.
func contentDigest(content any) [sha256.Size]byte {
	return sha256.Sum256([]byte(Serialize(content)))
}

// newID derives an id from the content digest and the creation sequence.
// Sequences never repeat within a store, so neither do ids.
func newID(digest [sha256.Size]byte, seq uint64) EntryID {
	name := make([]byte, 0, len(digest)+8)
	name = append(name, digest[:]...)
	name = binary.BigEndian.AppendUint64(name, seq)
	return EntryID(uuid.NewSHA1(idNamespace, name).String())
}
