// Package ibc decodes the token-indexed binary profile a module can carry,
// annotating methods and types with observed hotness before compilation
// starts. Profile data is advisory: a record the parser cannot make sense of
// is skipped with a warning, and only a damaged container or an unsupported
// format version aborts ingestion for the whole module.
package ibc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"pregen/internal/meta"
	"pregen/internal/zapsig"
)

// Container layout, all little-endian. The numbering is frozen: blobs written
// by older collectors must keep parsing.
const (
	// Magic opens every profile blob ("IBC1" mnemonic).
	Magic uint32 = 0x42434931

	// FormatMajor and FormatMinor are the version this package writes.
	// Major 1 is the retired legacy container and is rejected outright.
	FormatMajor uint16 = 2
	FormatMinor uint16 = 1

	headerSize   = 12 // magic + major + minor + section count
	dirEntrySize = 12 // section id + offset + length
	tokenRecSize = 16 // token + flags + scenario mask + read count
)

// SectionID keys the blob's section directory.
type SectionID uint32

const (
	SectionInvalid         SectionID = 0
	SectionScenarioInfo    SectionID = 1
	SectionMethodProfiling SectionID = 2
	SectionTypeProfiling   SectionID = 3
	SectionBlobStream      SectionID = 4
)

func (s SectionID) String() string {
	switch s {
	case SectionScenarioInfo:
		return "scenario-info"
	case SectionMethodProfiling:
		return "method-profiling"
	case SectionTypeProfiling:
		return "type-profiling"
	case SectionBlobStream:
		return "blob-stream"
	default:
		return fmt.Sprintf("section(%d)", uint32(s))
	}
}

// BlobKind tags entries in the blob pool.
type BlobKind uint32

const (
	BlobInvalid    BlobKind = 0
	BlobMethodSpec BlobKind = 1 // zapsig method reference
	BlobTypeSpec   BlobKind = 2 // zapsig type reference

	// Retired kinds. Old pools still carry them; they drop without a warning.
	BlobSlotTable   BlobKind = 3
	BlobVTableChunk BlobKind = 4
)

func (k BlobKind) String() string {
	switch k {
	case BlobMethodSpec:
		return "method-spec"
	case BlobTypeSpec:
		return "type-spec"
	case BlobSlotTable:
		return "slot-table"
	case BlobVTableChunk:
		return "vtable-chunk"
	default:
		return fmt.Sprintf("blob(%d)", uint32(k))
	}
}

func (k BlobKind) obsolete() bool {
	return k == BlobSlotTable || k == BlobVTableChunk
}

// RecordFlags qualifies one token record.
type RecordFlags uint32

const (
	// FlagExecuted marks entities actually run, not merely touched at load.
	FlagExecuted RecordFlags = 1 << 0
	// FlagHot marks entities the collecting runtime placed in its hot set.
	FlagHot RecordFlags = 1 << 1
	// FlagColdStart marks entities touched during startup.
	FlagColdStart RecordFlags = 1 << 2
)

// Scenario describes one collection run contributing to the masks.
type Scenario struct {
	ID   uint32
	Mask uint32
	Name string
}

// MethodProfile is one method's merged profile entry.
type MethodProfile struct {
	Method       meta.MethodID
	Flags        RecordFlags
	ScenarioMask uint32
	ReadCount    uint32
}

// TypeProfile is one type's merged profile entry.
type TypeProfile struct {
	Type         meta.TypeID
	Flags        RecordFlags
	ScenarioMask uint32
	ReadCount    uint32
}

// Warning is one skipped record.
type Warning struct {
	Section SectionID
	Index   int
	Token   meta.RawToken
	Reason  string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s record %d (token %s): %s", w.Section, w.Index, w.Token, w.Reason)
}

// ProfileData is everything recovered from one module's profile blob.
type ProfileData struct {
	Scenarios []Scenario
	Methods   map[meta.MethodID]MethodProfile
	Types     map[meta.TypeID]TypeProfile
	Warnings  []Warning
}

func (pd *ProfileData) warn(s SectionID, i int, tok meta.RawToken, reason string) {
	pd.Warnings = append(pd.Warnings, Warning{Section: s, Index: i, Token: tok, Reason: reason})
}

// Weight returns the profiled read count for m, zero when unprofiled.
func (pd *ProfileData) Weight(m meta.MethodID) uint32 {
	if pd == nil {
		return 0
	}
	return pd.Methods[m].ReadCount
}

// Hot reports whether the collecting runtime marked m hot.
func (pd *ProfileData) Hot(m meta.MethodID) bool {
	if pd == nil {
		return false
	}
	return pd.Methods[m].Flags&FlagHot != 0
}

var (
	// ErrNotProfile means the blob does not open with the profile magic.
	ErrNotProfile = errors.New("ibc: not a profile blob")
	// ErrUnsupportedVersion aborts ingestion for the whole module; the
	// caller proceeds without profile data.
	ErrUnsupportedVersion = errors.New("ibc: unsupported profile version")
	// ErrMalformed means the container structure itself is damaged.
	ErrMalformed = errors.New("ibc: malformed profile blob")
)

// Parser decodes profile blobs against one module's token tables.
type Parser struct {
	world *meta.World
	mod   meta.ModuleID
	sig   *zapsig.Codec
}

// NewParser builds a parser for the module the profile was collected on.
func NewParser(w *meta.World, mod meta.ModuleID) *Parser {
	return &Parser{world: w, mod: mod, sig: zapsig.New(w, mod)}
}

type section struct {
	id   SectionID
	data []byte
}

type blobEntry struct {
	kind    BlobKind
	payload []byte
}

// Parse decodes one blob in a single pass.
func (p *Parser) Parse(blob []byte) (*ProfileData, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(blob))
	}
	if binary.LittleEndian.Uint32(blob) != Magic {
		return nil, ErrNotProfile
	}
	major := binary.LittleEndian.Uint16(blob[4:])
	if major == 1 {
		return nil, fmt.Errorf("%w: major 1 is the retired legacy container", ErrUnsupportedVersion)
	}
	if major != FormatMajor {
		return nil, fmt.Errorf("%w: major %d, supported %d", ErrUnsupportedVersion, major, FormatMajor)
	}
	// Minor revisions are additive; any minor parses.

	count := binary.LittleEndian.Uint32(blob[8:])
	dirEnd := uint64(headerSize) + uint64(count)*dirEntrySize
	if dirEnd > uint64(len(blob)) {
		return nil, fmt.Errorf("%w: directory of %d sections overruns the blob", ErrMalformed, count)
	}

	seen := make(map[SectionID]bool, count)
	sections := make([]section, 0, count)
	for i := uint32(0); i < count; i++ {
		entry := blob[uint64(headerSize)+uint64(i)*dirEntrySize:]
		id := SectionID(binary.LittleEndian.Uint32(entry))
		off := uint64(binary.LittleEndian.Uint32(entry[4:]))
		length := uint64(binary.LittleEndian.Uint32(entry[8:]))
		if off < dirEnd || off+length > uint64(len(blob)) {
			return nil, fmt.Errorf("%w: section %s spills out of the blob", ErrMalformed, id)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: section %s appears twice", ErrMalformed, id)
		}
		seen[id] = true
		sections = append(sections, section{id: id, data: blob[off : off+length]})
	}

	pd := &ProfileData{
		Methods: make(map[meta.MethodID]MethodProfile),
		Types:   make(map[meta.TypeID]TypeProfile),
	}

	// The pool first: token lists refer into it.
	pool := make(map[meta.RawToken]blobEntry)
	for _, s := range sections {
		if s.id == SectionBlobStream {
			if err := p.parsePool(s.data, pool, pd); err != nil {
				return nil, err
			}
		}
	}
	for _, s := range sections {
		var err error
		switch s.id {
		case SectionScenarioInfo:
			err = p.parseScenarios(s.data, pd)
		case SectionMethodProfiling:
			err = p.parseMethods(s.data, pool, pd)
		case SectionTypeProfiling:
			err = p.parseTypes(s.data, pool, pd)
		case SectionBlobStream:
			// Parsed above.
		default:
			// Unknown sections are future extensions; skip them whole.
		}
		if err != nil {
			return nil, err
		}
	}
	return pd, nil
}

func (p *Parser) parsePool(data []byte, pool map[meta.RawToken]blobEntry, pd *ProfileData) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: blob stream shorter than its count", ErrMalformed)
	}
	count := binary.LittleEndian.Uint32(data)
	rest := data[4:]
	for i := uint32(0); i < count; i++ {
		if len(rest) < 12 {
			return fmt.Errorf("%w: blob stream truncated at entry %d", ErrMalformed, i)
		}
		tok := meta.RawToken(binary.LittleEndian.Uint32(rest))
		kind := BlobKind(binary.LittleEndian.Uint32(rest[4:]))
		length := binary.LittleEndian.Uint32(rest[8:])
		rest = rest[12:]
		if uint64(length) > uint64(len(rest)) {
			return fmt.Errorf("%w: blob %s at entry %d overruns the stream", ErrMalformed, tok, i)
		}
		payload := rest[:length]
		rest = rest[length:]

		if kind.obsolete() {
			continue
		}
		if tok.Kind() != meta.TokenIBCBlob {
			pd.warn(SectionBlobStream, int(i), tok, "pool entry under a non-pool token")
			continue
		}
		if _, dup := pool[tok]; dup {
			pd.warn(SectionBlobStream, int(i), tok, "duplicate pool entry, keeping the first")
			continue
		}
		pool[tok] = blobEntry{kind: kind, payload: payload}
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d trailing bytes after the blob stream", ErrMalformed, len(rest))
	}
	return nil
}

func (p *Parser) parseScenarios(data []byte, pd *ProfileData) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: scenario section shorter than its count", ErrMalformed)
	}
	count := binary.LittleEndian.Uint32(data)
	rest := data[4:]
	for i := uint32(0); i < count; i++ {
		if len(rest) < 12 {
			return fmt.Errorf("%w: scenario %d truncated", ErrMalformed, i)
		}
		sc := Scenario{
			ID:   binary.LittleEndian.Uint32(rest),
			Mask: binary.LittleEndian.Uint32(rest[4:]),
		}
		nameLen := binary.LittleEndian.Uint32(rest[8:])
		rest = rest[12:]
		if uint64(nameLen) > uint64(len(rest)) {
			return fmt.Errorf("%w: scenario %d name overruns the section", ErrMalformed, i)
		}
		sc.Name = string(rest[:nameLen])
		rest = rest[nameLen:]
		pd.Scenarios = append(pd.Scenarios, sc)
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d trailing bytes after scenarios", ErrMalformed, len(rest))
	}
	return nil
}

type tokenRecord struct {
	token meta.RawToken
	flags RecordFlags
	mask  uint32
	count uint32
}

// parseTokenList walks one profiling section, screening the records every
// section screens the same way, and hands survivors to each.
func (p *Parser) parseTokenList(id SectionID, data []byte, pd *ProfileData, each func(i int, rec tokenRecord)) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: %s shorter than its count", ErrMalformed, id)
	}
	count := binary.LittleEndian.Uint32(data)
	rest := data[4:]
	if uint64(len(rest)) != uint64(count)*tokenRecSize {
		return fmt.Errorf("%w: %s holds %d bytes for %d records", ErrMalformed, id, len(rest), count)
	}
	for i := uint32(0); i < count; i++ {
		rec := tokenRecord{
			token: meta.RawToken(binary.LittleEndian.Uint32(rest)),
			flags: RecordFlags(binary.LittleEndian.Uint32(rest[4:])),
			mask:  binary.LittleEndian.Uint32(rest[8:]),
			count: binary.LittleEndian.Uint32(rest[12:]),
		}
		rest = rest[tokenRecSize:]
		if rec.mask == 0 {
			// Collected before scenario masks existed. Nothing ties the
			// record to a run, so it carries no usable signal.
			pd.warn(id, int(i), rec.token, "legacy record without a scenario mask")
			continue
		}
		each(int(i), rec)
	}
	return nil
}

func (p *Parser) parseMethods(data []byte, pool map[meta.RawToken]blobEntry, pd *ProfileData) error {
	return p.parseTokenList(SectionMethodProfiling, data, pd, func(i int, rec tokenRecord) {
		m, reason := p.resolveMethod(rec.token, pool)
		if reason != "" {
			pd.warn(SectionMethodProfiling, i, rec.token, reason)
			return
		}
		cur := pd.Methods[m]
		cur.Method = m
		cur.Flags |= rec.flags
		cur.ScenarioMask |= rec.mask
		cur.ReadCount += rec.count
		pd.Methods[m] = cur
	})
}

func (p *Parser) parseTypes(data []byte, pool map[meta.RawToken]blobEntry, pd *ProfileData) error {
	return p.parseTokenList(SectionTypeProfiling, data, pd, func(i int, rec tokenRecord) {
		t, reason := p.resolveType(rec.token, pool)
		if reason != "" {
			pd.warn(SectionTypeProfiling, i, rec.token, reason)
			return
		}
		cur := pd.Types[t]
		cur.Type = t
		cur.Flags |= rec.flags
		cur.ScenarioMask |= rec.mask
		cur.ReadCount += rec.count
		pd.Types[t] = cur
	})
}

// resolveMethod turns a record token into a method. The second return is a
// warning reason; empty means resolved.
func (p *Parser) resolveMethod(tok meta.RawToken, pool map[meta.RawToken]blobEntry) (meta.MethodID, string) {
	switch tok.Kind() {
	case meta.TokenMethodDef:
		e, ok := p.world.LookupToken(p.mod, tok)
		if !ok {
			return meta.NoMethodID, "method token not in the module tables"
		}
		if e.Kind != meta.EntityMethod {
			return meta.NoMethodID, fmt.Sprintf("token resolves to a %s, not a method", e.Kind)
		}
		return e.Method, ""
	case meta.TokenIBCBlob:
		ent, ok := pool[tok]
		if !ok {
			return meta.NoMethodID, "blob token has no pool entry"
		}
		if ent.kind != BlobMethodSpec {
			return meta.NoMethodID, fmt.Sprintf("pool entry is a %s, not a method spec", ent.kind)
		}
		return p.methodFromSpec(ent.payload)
	default:
		return meta.NoMethodID, fmt.Sprintf("unsupported token table %s", tok.Kind())
	}
}

// methodFromSpec triages the spec's owner before resolving it. Array methods
// have no definition rows, and a flattened primitive owner means the
// collector lost the real owning type; both shapes are known legacy debris.
func (p *Parser) methodFromSpec(blob []byte) (meta.MethodID, string) {
	raw, rest, err := zapsig.ReadCompressed(blob)
	if err != nil {
		return meta.NoMethodID, "unreadable method spec flags"
	}
	if zapsig.MethodFlags(raw)&zapsig.MethodFlagOwnerType != 0 {
		owner, _, err := p.sig.DecodeType(rest)
		if err != nil {
			return meta.NoMethodID, fmt.Sprintf("unreadable spec owner: %v", err)
		}
		switch p.world.Type(owner).Kind {
		case meta.KindArray:
			return meta.NoMethodID, "array-method slot record"
		case meta.KindPrimitive:
			return meta.NoMethodID, "flattened primitive owning type"
		}
	}
	sig, tail, err := p.sig.DecodeMethod(blob)
	if err != nil {
		return meta.NoMethodID, fmt.Sprintf("unresolvable method spec: %v", err)
	}
	if len(tail) != 0 {
		return meta.NoMethodID, "trailing bytes after method spec"
	}
	return sig.Method, ""
}

func (p *Parser) resolveType(tok meta.RawToken, pool map[meta.RawToken]blobEntry) (meta.TypeID, string) {
	switch tok.Kind() {
	case meta.TokenTypeDef, meta.TokenTypeRef, meta.TokenTypeSpec:
		e, ok := p.world.LookupToken(p.mod, tok)
		if !ok {
			return meta.NoTypeID, "type token not in the module tables"
		}
		if e.Kind != meta.EntityType {
			return meta.NoTypeID, fmt.Sprintf("token resolves to a %s, not a type", e.Kind)
		}
		return e.Type, ""
	case meta.TokenIBCBlob:
		ent, ok := pool[tok]
		if !ok {
			return meta.NoTypeID, "blob token has no pool entry"
		}
		if ent.kind != BlobTypeSpec {
			return meta.NoTypeID, fmt.Sprintf("pool entry is a %s, not a type spec", ent.kind)
		}
		t, tail, err := p.sig.DecodeType(ent.payload)
		if err != nil {
			return meta.NoTypeID, fmt.Sprintf("unresolvable type spec: %v", err)
		}
		if len(tail) != 0 {
			return meta.NoTypeID, "trailing bytes after type spec"
		}
		return t, ""
	default:
		return meta.NoTypeID, fmt.Sprintf("unsupported token table %s", tok.Kind())
	}
}
