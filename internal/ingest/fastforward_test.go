package ingest

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildInsert encodes a minimal pgoutput Insert message ('I') referencing
// relationID, with a zero-column new tuple — enough for
// touchesPublishedRelation to read the relation OID without needing a real
// column payload.
func buildInsert(relationID uint32) []byte {
	var buf bytes.Buffer
	buf.WriteByte('I')
	_ = binary.Write(&buf, binary.BigEndian, relationID)
	buf.WriteByte('N')
	_ = binary.Write(&buf, binary.BigEndian, uint16(0))
	return buf.Bytes()
}

func buildDelete(relationID uint32) []byte {
	var buf bytes.Buffer
	buf.WriteByte('D')
	_ = binary.Write(&buf, binary.BigEndian, relationID)
	buf.WriteByte('O')
	_ = binary.Write(&buf, binary.BigEndian, uint16(0))
	return buf.Bytes()
}

func buildTruncate(relationIDs ...uint32) []byte {
	var buf bytes.Buffer
	buf.WriteByte('T')
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(relationIDs)))
	buf.WriteByte(0)
	for _, id := range relationIDs {
		_ = binary.Write(&buf, binary.BigEndian, id)
	}
	return buf.Bytes()
}

func buildBegin() []byte {
	var buf bytes.Buffer
	buf.WriteByte('B')
	_ = binary.Write(&buf, binary.BigEndian, uint64(0))
	_ = binary.Write(&buf, binary.BigEndian, uint64(0))
	_ = binary.Write(&buf, binary.BigEndian, uint32(1))
	return buf.Bytes()
}

func TestTouchesPublishedRelation_InsertOnKnownTable(t *testing.T) {
	tables := map[uint32]*SourceTable{42: {}}
	if !touchesPublishedRelation(buildInsert(42), tables) {
		t.Error("expected insert against a published relation to be relevant")
	}
}

func TestTouchesPublishedRelation_InsertOnUnknownTable(t *testing.T) {
	tables := map[uint32]*SourceTable{42: {}}
	if touchesPublishedRelation(buildInsert(99), tables) {
		t.Error("expected insert against an unpublished relation to be irrelevant")
	}
}

func TestTouchesPublishedRelation_DeleteOnKnownTable(t *testing.T) {
	tables := map[uint32]*SourceTable{7: {}}
	if !touchesPublishedRelation(buildDelete(7), tables) {
		t.Error("expected delete against a published relation to be relevant")
	}
}

func TestTouchesPublishedRelation_TruncateMatchingAnyRelation(t *testing.T) {
	tables := map[uint32]*SourceTable{7: {}}
	if !touchesPublishedRelation(buildTruncate(1, 2, 7), tables) {
		t.Error("expected truncate including a published relation to be relevant")
	}
	if touchesPublishedRelation(buildTruncate(1, 2, 3), tables) {
		t.Error("expected truncate of unrelated relations to be irrelevant")
	}
}

func TestTouchesPublishedRelation_BeginIsIrrelevant(t *testing.T) {
	tables := map[uint32]*SourceTable{7: {}}
	if touchesPublishedRelation(buildBegin(), tables) {
		t.Error("a begin message carries no relation and should be irrelevant")
	}
}

func TestTouchesPublishedRelation_UndecodableDataIsConservativelyRelevant(t *testing.T) {
	tables := map[uint32]*SourceTable{7: {}}
	garbage := []byte{0xff, 0x01}
	if !touchesPublishedRelation(garbage, tables) {
		t.Error("undecodable data must be treated as relevant to avoid skipping real changes")
	}
}
