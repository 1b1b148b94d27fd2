// Package ids implements the content-addressed 128-bit point identifier
// scheme shared by every point namespace in the collection (schema, data,
// graph, knowledge). Identifiers are a pure function of a namespace tag and
// a domain key: no clocks, no randomness, so upserts are idempotent and
// cascades converge.
package ids

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Namespace tags the leading 32 bits of every point id.
type Namespace uint32

const (
	NamespaceSchema    Namespace = 1
	NamespaceData      Namespace = 2
	NamespaceGraph     Namespace = 3
	NamespaceKnowledge Namespace = 4
)

func (n Namespace) String() string {
	switch n {
	case NamespaceSchema:
		return "schema"
	case NamespaceData:
		return "data"
	case NamespaceGraph:
		return "graph"
	case NamespaceKnowledge:
		return "knowledge"
	default:
		return "unknown"
	}
}

// RelationKind is the 8-bit relation code carried by graph-namespace ids.
type RelationKind uint8

const (
	RelationSingle RelationKind = iota
	RelationMulti
	RelationReverse
)

func (k RelationKind) String() string {
	switch k {
	case RelationSingle:
		return "single"
	case RelationMulti:
		return "multi"
	case RelationReverse:
		return "reverse"
	default:
		return "unknown"
	}
}

// schemaLevelTag is the fixed level tag occupying the high bits of the
// remaining 96 in a schema-namespace id, ahead of the field id.
const schemaLevelTag uint32 = 0xF

// Data builds a data-namespace id from (model id, record id).
// Layout: namespace(32) | model-id(16) | reserved(16) | record-id(48).
func Data(modelID uint16, recordID uint64) uuid.UUID {
	if recordID >= (1 << 48) {
		panic(fmt.Sprintf("ids: record id %d exceeds 48 bits", recordID))
	}
	var b [16]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(NamespaceData))
	binary.BigEndian.PutUint16(b[4:6], modelID)
	// b[6:8] reserved, left zero
	putUint48(b[8:16], recordID)
	return uuid.UUID(b)
}

// DataComponents is the inverse of Data.
func DataComponents(id uuid.UUID) (modelID uint16, recordID uint64, ok bool) {
	b := [16]byte(id)
	if Namespace(binary.BigEndian.Uint32(b[0:4])) != NamespaceData {
		return 0, 0, false
	}
	modelID = binary.BigEndian.Uint16(b[4:6])
	recordID = getUint48(b[8:16])
	return modelID, recordID, true
}

// Schema builds a schema-namespace id from a field id.
// Layout: namespace(32) | level-tag(16 high of remaining) | field-id(48).
func Schema(fieldID uint64) uuid.UUID {
	if fieldID >= (1 << 48) {
		panic(fmt.Sprintf("ids: field id %d exceeds 48 bits", fieldID))
	}
	var b [16]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(NamespaceSchema))
	binary.BigEndian.PutUint16(b[4:6], uint16(schemaLevelTag))
	putUint48(b[8:16], fieldID)
	return uuid.UUID(b)
}

// SchemaComponents is the inverse of Schema.
func SchemaComponents(id uuid.UUID) (fieldID uint64, ok bool) {
	b := [16]byte(id)
	if Namespace(binary.BigEndian.Uint32(b[0:4])) != NamespaceSchema {
		return 0, false
	}
	return getUint48(b[8:16]), true
}

// Graph builds a graph-namespace id from (source model, target model, field
// id, relation kind). Layout: namespace(32) | source-model(16) |
// target-model(16) | relation-code(8) | field-id(48) | reserved(8).
func Graph(sourceModelID, targetModelID uint16, fieldID uint64, kind RelationKind) uuid.UUID {
	if fieldID >= (1 << 48) {
		panic(fmt.Sprintf("ids: field id %d exceeds 48 bits", fieldID))
	}
	var b [16]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(NamespaceGraph))
	binary.BigEndian.PutUint16(b[4:6], sourceModelID)
	binary.BigEndian.PutUint16(b[6:8], targetModelID)
	b[8] = byte(kind)
	putUint48(b[9:15], fieldID)
	return uuid.UUID(b)
}

// GraphComponents is the inverse of Graph.
func GraphComponents(id uuid.UUID) (sourceModelID, targetModelID uint16, fieldID uint64, kind RelationKind, ok bool) {
	b := [16]byte(id)
	if Namespace(binary.BigEndian.Uint32(b[0:4])) != NamespaceGraph {
		return 0, 0, 0, 0, false
	}
	sourceModelID = binary.BigEndian.Uint16(b[4:6])
	targetModelID = binary.BigEndian.Uint16(b[6:8])
	kind = RelationKind(b[8])
	fieldID = getUint48(b[9:15])
	return sourceModelID, targetModelID, fieldID, kind, true
}

// Knowledge builds a knowledge-namespace id from (level, model, item).
// Layout: namespace(32) | level(16) | model(16) | item(48).
func Knowledge(level, modelID uint16, itemID uint64) uuid.UUID {
	if itemID >= (1 << 48) {
		panic(fmt.Sprintf("ids: item id %d exceeds 48 bits", itemID))
	}
	var b [16]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(NamespaceKnowledge))
	binary.BigEndian.PutUint16(b[4:6], level)
	binary.BigEndian.PutUint16(b[6:8], modelID)
	putUint48(b[8:16], itemID)
	return uuid.UUID(b)
}

// KnowledgeComponents is the inverse of Knowledge.
func KnowledgeComponents(id uuid.UUID) (level, modelID uint16, itemID uint64, ok bool) {
	b := [16]byte(id)
	if Namespace(binary.BigEndian.Uint32(b[0:4])) != NamespaceKnowledge {
		return 0, 0, 0, false
	}
	level = binary.BigEndian.Uint16(b[4:6])
	modelID = binary.BigEndian.Uint16(b[6:8])
	itemID = getUint48(b[8:16])
	return level, modelID, itemID, true
}

// NamespaceOf inspects the leading 32 bits of an id without decoding the
// rest. Clients are expected to treat ids as opaque beyond this.
func NamespaceOf(id uuid.UUID) Namespace {
	b := [16]byte(id)
	return Namespace(binary.BigEndian.Uint32(b[0:4]))
}

// String renders the id as a lowercase hex UUID string, the wire format
// specified in spec §6 "Point id wire format".
func String(id uuid.UUID) string {
	return id.String()
}

// Parse is the inverse of String.
func Parse(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

func putUint48(dst []byte, v uint64) {
	dst[0] = byte(v >> 40)
	dst[1] = byte(v >> 32)
	dst[2] = byte(v >> 24)
	dst[3] = byte(v >> 16)
	dst[4] = byte(v >> 8)
	dst[5] = byte(v)
}

func getUint48(src []byte) uint64 {
	return uint64(src[0])<<40 | uint64(src[1])<<32 | uint64(src[2])<<24 |
		uint64(src[3])<<16 | uint64(src[4])<<8 | uint64(src[5])
}
