package driver

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"pregen/internal/jitabi"
	"pregen/internal/meta"
	"pregen/internal/publish"
)

// Digest is a fixed 256-bit content hash.
type Digest [32]byte

// DigestOf hashes one byte blob.
func DigestOf(data []byte) Digest {
	return sha256.Sum256(data)
}

// Combine builds a composite digest: H(parts[0] || parts[1] || ...).
// Part order must be deterministic.
func Combine(parts ...Digest) Digest {
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write(p[:])
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// Schema version of the cached object records. Increment when the record
// layout changes; stale records then read as misses.
const cacheSchema uint16 = 1

// DiskCache stores finished method objects keyed by input digest. A nil
// cache is valid and never hits. Thread-safe for concurrent access.
type DiskCache struct {
	mu  sync.RWMutex
	dir string
}

// OpenDiskCache opens the cache at the standard per-user location.
func OpenDiskCache(app string) (*DiskCache, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		base = filepath.Join(home, ".cache")
	}
	return OpenDiskCacheAt(filepath.Join(base, app))
}

// OpenDiskCacheAt opens the cache rooted at an explicit directory.
func OpenDiskCacheAt(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskCache{dir: dir}, nil
}

func (c *DiskCache) pathFor(key Digest) string {
	// Objects live under one subdirectory so a cache wipe is a single rm.
	return filepath.Join(c.dir, "objects", hex.EncodeToString(key[:])+".mp")
}

// Put serializes one finished object under its key. The write lands via a
// temp file and rename, so concurrent readers never observe a torn record.
func (c *DiskCache) Put(key Digest, obj *publish.ObjectData) error {
	if c == nil {
		return nil
	}
	rec := objectToRecord(obj)
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(p), "tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		// Gone already when the rename below succeeded.
		_ = os.Remove(f.Name())
	}()
	if err := msgpack.NewEncoder(f).Encode(rec); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), p)
}

// Get loads the object stored under key. Missing, stale-schema and corrupt
// records all read as misses; a recompile overwrites them.
func (c *DiskCache) Get(key Digest) (*publish.ObjectData, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, err := os.Open(c.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() {
		_ = f.Close()
	}()
	var rec objectRecord
	if err := msgpack.NewDecoder(f).Decode(&rec); err != nil {
		return nil, false, nil
	}
	obj, ok := recordToObject(&rec)
	return obj, ok, nil
}

// DropAll discards every cached object.
func (c *DiskCache) DropAll() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return os.RemoveAll(filepath.Join(c.dir, "objects"))
}

// Serialized form of one object. Import cells appear once in Cells and
// relocation targets reference them by index, so restoring rebuilds the
// pointer identity between ObjectData.Cells and SymbolRef.Cell that the
// image writer relies on.
type objectRecord struct {
	Schema uint16

	Method uint32
	Failed bool
	Align  uint32

	Hot      []byte
	Cold     []byte
	ROData   []byte
	Counters uint32

	Cells  []cellRecord
	Relocs []relocRecord
	EH     []byte
	Frames []frameRecord
	GCInfo []byte
}

type cellRecord struct {
	Kind uint16
	Blob []byte
}

type symbolRecord struct {
	Kind   uint8
	Region uint8
	Delta  uint32
	Method uint32
	Cell   int32 // index into Cells, -1 when the target is not an import
}

type relocRecord struct {
	Region uint8
	Offset uint32
	Kind   uint8
	Target symbolRecord
}

type frameRecord struct {
	Start  uint32
	End    uint32
	Unwind []byte
}

func objectToRecord(obj *publish.ObjectData) *objectRecord {
	rec := &objectRecord{
		Schema:   cacheSchema,
		Method:   uint32(obj.Method),
		Failed:   obj.Failed,
		Align:    obj.Align,
		Hot:      obj.Hot,
		Cold:     obj.Cold,
		ROData:   obj.ROData,
		Counters: obj.Counters,
		EH:       obj.EH,
		GCInfo:   obj.GCInfo,
	}

	index := make(map[*jitabi.ImportRef]int32, len(obj.Cells))
	rec.Cells = make([]cellRecord, 0, len(obj.Cells))
	addCell := func(ref *jitabi.ImportRef) int32 {
		if i, ok := index[ref]; ok {
			return i
		}
		i := int32(len(rec.Cells))
		index[ref] = i
		rec.Cells = append(rec.Cells, cellRecord{Kind: ref.Kind, Blob: ref.Blob})
		return i
	}
	for _, ref := range obj.Cells {
		addCell(ref)
	}

	rec.Relocs = make([]relocRecord, len(obj.Relocs))
	for i, r := range obj.Relocs {
		sym := symbolRecord{
			Kind:   uint8(r.Target.Kind),
			Region: uint8(r.Target.Region),
			Delta:  r.Target.Delta,
			Method: uint32(r.Target.Method),
			Cell:   -1,
		}
		if r.Target.Cell != nil {
			sym.Cell = addCell(r.Target.Cell)
		}
		rec.Relocs[i] = relocRecord{
			Region: uint8(r.Region),
			Offset: r.Offset,
			Kind:   uint8(r.Kind),
			Target: sym,
		}
	}

	rec.Frames = make([]frameRecord, len(obj.Frames))
	for i, fr := range obj.Frames {
		rec.Frames[i] = frameRecord{Start: fr.Start, End: fr.End, Unwind: fr.Unwind}
	}
	return rec
}

func recordToObject(rec *objectRecord) (*publish.ObjectData, bool) {
	if rec == nil || rec.Schema != cacheSchema {
		return nil, false
	}
	obj := &publish.ObjectData{
		Method:   meta.MethodID(rec.Method),
		Failed:   rec.Failed,
		Align:    rec.Align,
		Hot:      rec.Hot,
		Cold:     rec.Cold,
		ROData:   rec.ROData,
		Counters: rec.Counters,
		EH:       rec.EH,
		GCInfo:   rec.GCInfo,
	}

	cells := make([]*jitabi.ImportRef, len(rec.Cells))
	for i, cr := range rec.Cells {
		cells[i] = &jitabi.ImportRef{Kind: cr.Kind, Blob: cr.Blob}
	}
	obj.Cells = cells

	obj.Relocs = make([]publish.Relocation, len(rec.Relocs))
	for i, rr := range rec.Relocs {
		sym := publish.SymbolRef{
			Kind:   publish.SymbolKind(rr.Target.Kind),
			Region: publish.Region(rr.Target.Region),
			Delta:  rr.Target.Delta,
			Method: meta.MethodID(rr.Target.Method),
		}
		if rr.Target.Cell >= 0 {
			if int(rr.Target.Cell) >= len(cells) {
				return nil, false
			}
			sym.Cell = cells[rr.Target.Cell]
		}
		obj.Relocs[i] = publish.Relocation{
			Region: publish.Region(rr.Region),
			Offset: rr.Offset,
			Kind:   jitabi.RelocKind(rr.Kind),
			Target: sym,
		}
	}

	obj.Frames = make([]jitabi.FrameInfo, len(rec.Frames))
	for i, fr := range rec.Frames {
		obj.Frames[i] = jitabi.FrameInfo{Start: fr.Start, End: fr.End, Unwind: fr.Unwind}
	}
	return obj, true
}
