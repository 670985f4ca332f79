package nodecache

import (
	"context"
	"encoding/binary"
	"io"
	"path/filepath"
	"testing"

	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/buffer"
	"github.com/gogpu/imgdag/graphmodel"
)

// rawCodec is a test-only ImageCodec standing in for a real PNG/EXR
// codec: it writes a tiny self-describing header (width, height,
// channels, dtype) followed by raw pixel bytes, so Decode needs nothing
// from the caller beyond the reader, matching the real ImageCodec
// contract.
type rawCodec struct{}

func (rawCodec) Encode(_ context.Context, w io.Writer, buf *buffer.Buffer) error {
	var header [4]uint32
	header[0] = uint32(buf.Width())
	header[1] = uint32(buf.Height())
	header[2] = uint32(buf.Channels())
	header[3] = uint32(buf.DType())
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	_, err := w.Write(buf.Data())
	return err
}

func (rawCodec) Decode(_ context.Context, r io.Reader) (*buffer.Buffer, error) {
	var header [4]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	width, height, channels, dtype := int(header[0]), int(header[1]), int(header[2]), imgdag.DType(header[3])
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	stride := width * channels * dtype.ByteSize()
	return buffer.FromRaw(raw, width, height, channels, dtype, stride)
}

func newTestBuffer(t *testing.T, w, h int) *buffer.Buffer {
	t.Helper()
	buf, err := buffer.New(w, h, 3, imgdag.F32)
	if err != nil {
		t.Fatalf("buffer.New: %v", err)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			_ = buf.Set(x, y, []float64{0.25, 0.5, 0.75})
		}
	}
	return buf
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	root := t.TempDir()
	g := graphmodel.New(root)
	n := graphmodel.NewNode(1, "perlin", "perlin", "")
	n.CacheDecls = []graphmodel.CacheDecl{{CacheType: "image", Location: "out.bin"}}
	if err := g.AddNode(n); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	svc := NewCacheService(rawCodec{}, NewMemoryCache(0))
	out := graphmodel.NewNodeOutput(newTestBuffer(t, 4, 4))
	out.Data["note"] = imgdag.NewStringValue("hello")

	ctx := context.Background()
	if err := svc.Save(ctx, g, n, out, root, imgdag.PrecisionInt16); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if matches, _ := filepath.Glob(filepath.Join(root, "1", "out.bin")); len(matches) != 1 {
		t.Fatalf("expected out.bin to be written, glob matches = %v", matches)
	}

	loaded, ok, err := svc.Load(ctx, g, n, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatalf("Load reported absent after a successful Save")
	}
	if loaded.Image == nil || loaded.Image.Width() != 4 || loaded.Image.Height() != 4 {
		t.Fatalf("Load returned wrong image shape: %+v", loaded.Image)
	}
	got := loaded.Image.At(0, 0)
	for i, want := range []float64{0.25, 0.5, 0.75} {
		if diff := got[i] - want; diff > 1.0/65535 || diff < -1.0/65535 {
			t.Fatalf("channel %d = %v, want ~%v within int16 precision", i, got[i], want)
		}
	}
	if s, _ := loaded.Data["note"].Str(); s != "hello" {
		t.Fatalf("Data[note] = %q, want hello", s)
	}
}

func TestLoadReportsAbsentWhenNoFiles(t *testing.T) {
	root := t.TempDir()
	g := graphmodel.New(root)
	n := graphmodel.NewNode(1, "perlin", "perlin", "")
	n.CacheDecls = []graphmodel.CacheDecl{{CacheType: "image", Location: "out.bin"}}
	if err := g.AddNode(n); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	svc := NewCacheService(rawCodec{}, NewMemoryCache(0))
	_, ok, err := svc.Load(context.Background(), g, n, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatalf("Load reported present with no files on disk")
	}
}

func TestSaveSkippedWhenSkipSaveCacheSet(t *testing.T) {
	root := t.TempDir()
	g := graphmodel.New(root)
	n := graphmodel.NewNode(1, "perlin", "perlin", "")
	n.CacheDecls = []graphmodel.CacheDecl{{CacheType: "image", Location: "out.bin"}}
	if err := g.AddNode(n); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	g.SkipSaveCache.Store(true)

	svc := NewCacheService(rawCodec{}, NewMemoryCache(0))
	out := graphmodel.NewNodeOutput(newTestBuffer(t, 2, 2))
	if err := svc.Save(context.Background(), g, n, out, root, imgdag.PrecisionNative); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, _ := filepath.Glob(filepath.Join(root, "1", "*"))
	if len(entries) != 0 {
		t.Fatalf("Save wrote files despite skip_save_cache: %v", entries)
	}
}

func TestSyncRemovesOrphanFilesAndEmptyDirs(t *testing.T) {
	root := t.TempDir()
	g := graphmodel.New(root)
	n := graphmodel.NewNode(1, "perlin", "perlin", "")
	n.CacheDecls = []graphmodel.CacheDecl{{CacheType: "image", Location: "out.bin"}}
	if err := g.AddNode(n); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	index := NewMemoryCache(0)
	svc := NewCacheService(rawCodec{}, index)
	out := graphmodel.NewNodeOutput(newTestBuffer(t, 2, 2))

	ctx := context.Background()
	if err := svc.Save(ctx, g, n, out, root, imgdag.PrecisionNative); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Simulate the in-memory output having been evicted without a disk
	// clear: Sync should now remove the orphaned disk files and the
	// emptied node directory.
	index.Delete(1)

	result, err := svc.Sync(ctx, g, root, imgdag.PrecisionNative)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.FilesRemoved == 0 {
		t.Fatalf("Sync result = %+v, want at least one file removed", result)
	}
	if result.DirsRemoved != 1 {
		t.Fatalf("Sync result = %+v, want one directory removed", result)
	}
}

func TestClearBothClearsMemoryAndDisk(t *testing.T) {
	root := t.TempDir()
	g := graphmodel.New(root)
	n := graphmodel.NewNode(1, "perlin", "perlin", "")
	n.CacheDecls = []graphmodel.CacheDecl{{CacheType: "image", Location: "out.bin"}}
	if err := g.AddNode(n); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	svc := NewCacheService(rawCodec{}, NewMemoryCache(0))
	out := graphmodel.NewNodeOutput(newTestBuffer(t, 2, 2))
	n.CachedOutput = out

	ctx := context.Background()
	if err := svc.Save(ctx, g, n, out, root, imgdag.PrecisionNative); err != nil {
		t.Fatalf("Save: %v", err)
	}

	result, err := svc.Clear(g, root, ClearBoth)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if result.NodesMemoryCleared != 1 {
		t.Fatalf("Clear result = %+v, want one node memory-cleared", result)
	}
	if n.CachedOutput != nil {
		t.Fatalf("node.CachedOutput should be nil after ClearBoth")
	}
	entries, _ := filepath.Glob(filepath.Join(root, "1", "*"))
	if len(entries) != 0 {
		t.Fatalf("disk files remain after ClearBoth: %v", entries)
	}
}
