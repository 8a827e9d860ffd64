package ibc

import (
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"

	"pregen/internal/meta"
	"pregen/internal/zapsig"
)

// Writer builds profile blobs: fixtures for tests and the publish half of
// profile-guided rebuilds. Sections appear in the directory only when they
// hold records.
type Writer struct {
	major, minor uint16

	scenarios []Scenario
	methods   []tokenRecord
	types     []tokenRecord
	blobs     []rawBlob
	nextBlob  uint32
}

type rawBlob struct {
	token   meta.RawToken
	kind    BlobKind
	payload []byte
}

// NewWriter starts an empty blob at the current format version.
func NewWriter() *Writer {
	return &Writer{major: FormatMajor, minor: FormatMinor}
}

// SetVersion overrides the header version. Tests use it to fabricate blobs
// from other collectors.
func (w *Writer) SetVersion(major, minor uint16) {
	w.major, w.minor = major, minor
}

// AddScenario appends one collection-run descriptor.
func (w *Writer) AddScenario(id, mask uint32, name string) {
	w.scenarios = append(w.scenarios, Scenario{ID: id, Mask: mask, Name: name})
}

// AddMethodRecord appends a raw method record.
func (w *Writer) AddMethodRecord(tok meta.RawToken, flags RecordFlags, mask, count uint32) {
	w.methods = append(w.methods, tokenRecord{token: tok, flags: flags, mask: mask, count: count})
}

// AddTypeRecord appends a raw type record.
func (w *Writer) AddTypeRecord(tok meta.RawToken, flags RecordFlags, mask, count uint32) {
	w.types = append(w.types, tokenRecord{token: tok, flags: flags, mask: mask, count: count})
}

// AddBlob places a payload in the pool under a fresh pool token. Pair it
// with AddMethodRecord or AddTypeRecord on the returned token.
func (w *Writer) AddBlob(kind BlobKind, payload []byte) meta.RawToken {
	w.nextBlob++
	tok := meta.MakeToken(meta.TokenIBCBlob, w.nextBlob)
	w.blobs = append(w.blobs, rawBlob{token: tok, kind: kind, payload: payload})
	return tok
}

// AddMethod records m the way a collector would: a bare definition token
// when m is a plain definition of the codec's module, a pooled signature
// spec otherwise.
func (w *Writer) AddMethod(c *zapsig.Codec, world *meta.World, m meta.MethodID, flags RecordFlags, mask, count uint32) error {
	d := world.Method(m)
	if d == nil {
		return fmt.Errorf("ibc: invalid method %d", m)
	}
	if world.MethodDefOf(m) == m && d.Module == c.ContextModule() {
		w.AddMethodRecord(d.Token, flags, mask, count)
		return nil
	}
	blob, err := c.EncodeMethod(m, 0, meta.NoTypeID)
	if err != nil {
		return fmt.Errorf("ibc: encode method spec: %w", err)
	}
	w.AddMethodRecord(w.AddBlob(BlobMethodSpec, blob), flags, mask, count)
	return nil
}

// AddType records t: a bare definition token for plain definitions of the
// codec's module, a pooled signature spec otherwise.
func (w *Writer) AddType(c *zapsig.Codec, world *meta.World, t meta.TypeID, flags RecordFlags, mask, count uint32) error {
	d := world.Type(t)
	if d == nil {
		return fmt.Errorf("ibc: invalid type %d", t)
	}
	if d.Token.Kind() == meta.TokenTypeDef && d.Module == c.ContextModule() && !d.HasInstantiation() {
		w.AddTypeRecord(d.Token, flags, mask, count)
		return nil
	}
	blob, err := c.EncodeType(t)
	if err != nil {
		return fmt.Errorf("ibc: encode type spec: %w", err)
	}
	w.AddTypeRecord(w.AddBlob(BlobTypeSpec, blob), flags, mask, count)
	return nil
}

// Encode lays out the blob: header, directory, then section payloads in
// directory order.
func (w *Writer) Encode() ([]byte, error) {
	var secs []section
	if len(w.scenarios) > 0 {
		secs = append(secs, section{SectionScenarioInfo, encodeScenarios(w.scenarios)})
	}
	if len(w.methods) > 0 {
		secs = append(secs, section{SectionMethodProfiling, encodeRecords(w.methods)})
	}
	if len(w.types) > 0 {
		secs = append(secs, section{SectionTypeProfiling, encodeRecords(w.types)})
	}
	if len(w.blobs) > 0 {
		secs = append(secs, section{SectionBlobStream, encodeBlobs(w.blobs)})
	}

	n, err := safecast.Conv[uint32](len(secs))
	if err != nil {
		return nil, fmt.Errorf("ibc: %w", err)
	}
	out := make([]byte, 0, 256)
	out = binary.LittleEndian.AppendUint32(out, Magic)
	out = binary.LittleEndian.AppendUint16(out, w.major)
	out = binary.LittleEndian.AppendUint16(out, w.minor)
	out = binary.LittleEndian.AppendUint32(out, n)

	off := headerSize + len(secs)*dirEntrySize
	for _, s := range secs {
		o, err := safecast.Conv[uint32](off)
		if err != nil {
			return nil, fmt.Errorf("ibc: %w", err)
		}
		l, err := safecast.Conv[uint32](len(s.data))
		if err != nil {
			return nil, fmt.Errorf("ibc: %w", err)
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(s.id))
		out = binary.LittleEndian.AppendUint32(out, o)
		out = binary.LittleEndian.AppendUint32(out, l)
		off += len(s.data)
	}
	for _, s := range secs {
		out = append(out, s.data...)
	}
	return out, nil
}

func encodeScenarios(scs []Scenario) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(scs)))
	for _, sc := range scs {
		out = binary.LittleEndian.AppendUint32(out, sc.ID)
		out = binary.LittleEndian.AppendUint32(out, sc.Mask)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(sc.Name)))
		out = append(out, sc.Name...)
	}
	return out
}

func encodeRecords(recs []tokenRecord) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(recs)))
	for _, r := range recs {
		out = binary.LittleEndian.AppendUint32(out, uint32(r.token))
		out = binary.LittleEndian.AppendUint32(out, uint32(r.flags))
		out = binary.LittleEndian.AppendUint32(out, r.mask)
		out = binary.LittleEndian.AppendUint32(out, r.count)
	}
	return out
}

func encodeBlobs(blobs []rawBlob) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(blobs)))
	for _, b := range blobs {
		out = binary.LittleEndian.AppendUint32(out, uint32(b.token))
		out = binary.LittleEndian.AppendUint32(out, uint32(b.kind))
		out = binary.LittleEndian.AppendUint32(out, uint32(len(b.payload)))
		out = append(out, b.payload...)
	}
	return out
}
