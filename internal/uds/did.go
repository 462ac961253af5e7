package uds

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Standard identification DIDs served by the simulated ECU.
const (
	DIDBootSoftwareID  uint16 = 0xF180
	DIDAppSoftwareID   uint16 = 0xF181
	DIDSparePartNumber uint16 = 0xF187
	DIDSerialNumber    uint16 = 0xF18C
	DIDVIN             uint16 = 0xF190
)

// DefaultDIDs are the identification strings used when config sets none.
var DefaultDIDs = map[uint16]string{
	DIDVIN:             "1SIMECU0000000042",
	DIDBootSoftwareID:  "BOOT-1.0.3",
	DIDAppSoftwareID:   "APP-2.4.1",
	DIDSparePartNumber: "SP-4711-0815",
	DIDSerialNumber:    "SN00012345",
}

// DIDTable maps data identifiers to their raw response bytes. It is never
// modified after NewDIDTable returns.
type DIDTable struct {
	entries map[uint16][]byte
}

// NewDIDTable copies values into a read-only table. Strings are stored as
// their ASCII bytes without a terminator.
func NewDIDTable(values map[uint16]string) *DIDTable {
	t := &DIDTable{entries: make(map[uint16][]byte, len(values))}
	for did, v := range values {
		t.entries[did] = []byte(v)
	}
	return t
}

// Lookup returns a copy of the data for did.
func (t *DIDTable) Lookup(did uint16) ([]byte, bool) {
	v, ok := t.entries[did]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// IDs returns the table's identifiers in ascending order.
func (t *DIDTable) IDs() []uint16 {
	ids := make([]uint16, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ParseDID accepts "F190", "0xF190" or "0XF190".
func ParseDID(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("uds: invalid DID %q: %w", s, err)
	}
	return uint16(v), nil
}
