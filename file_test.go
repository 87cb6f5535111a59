package norfat

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func mustFormat(t *testing.T, geom Geometry) (*memDevice, *FS) {
	t.Helper()
	dev := newMemDevice(int(geom.Sectors), geom.SectorSize, geom.PageSize)
	fsys, err := Format(dev, geom)
	require.NoError(t, err)
	return dev, fsys
}

func TestWriteReadRoundTrip(t *testing.T) {
	geom := testGeometry()
	_, fsys := mustFormat(t, geom)

	want := []byte("hello, norfat")
	wf, err := fsys.Open("greeting.txt", ModeWrite)
	require.NoError(t, err)
	n, err := wf.Write(want)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	require.NoError(t, wf.Close())

	rf, err := fsys.Open("greeting.txt", ModeRead)
	require.NoError(t, err)
	require.Equal(t, uint32(len(want)), rf.Len())
	got := make([]byte, len(want))
	n, err = rf.Read(got)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	require.True(t, bytes.Equal(want, got))
	require.NoError(t, rf.Close())
}

func TestOpenMissingFileForReadFails(t *testing.T) {
	geom := testGeometry()
	_, fsys := mustFormat(t, geom)

	_, err := fsys.Open("nope.txt", ModeRead)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWriteSpanningMultipleSectors(t *testing.T) {
	geom := testGeometry()
	_, fsys := mustFormat(t, geom)

	payload := make([]byte, int(geom.SectorSize)+17)
	for i := range payload {
		payload[i] = byte(i)
	}

	wf, err := fsys.Open("big.bin", ModeWrite)
	require.NoError(t, err)
	_, err = wf.Write(payload)
	require.NoError(t, err)
	require.NoError(t, wf.Close())

	rf, err := fsys.Open("big.bin", ModeRead)
	require.NoError(t, err)
	got := make([]byte, len(payload))
	total := 0
	for total < len(got) {
		n, err := rf.Read(got[total:])
		require.NoError(t, err)
		if n == 0 {
			break
		}
		total += n
	}
	require.Equal(t, len(payload), total)
	require.True(t, bytes.Equal(payload, got))
}

func TestReplaceFileIsAtomicOnClose(t *testing.T) {
	geom := testGeometry()
	_, fsys := mustFormat(t, geom)

	wf, err := fsys.Open("doc.txt", ModeWrite)
	require.NoError(t, err)
	_, err = wf.Write([]byte("version one"))
	require.NoError(t, err)
	require.NoError(t, wf.Close())

	wf2, err := fsys.Open("doc.txt", ModeWrite)
	require.NoError(t, err)
	_, err = wf2.Write([]byte("version two, longer than before"))
	require.NoError(t, err)
	require.NoError(t, wf2.Close())

	rf, err := fsys.Open("doc.txt", ModeRead)
	require.NoError(t, err)
	got := make([]byte, rf.Len())
	_, err = rf.Read(got)
	require.NoError(t, err)
	require.Equal(t, "version two, longer than before", string(got))
}

func TestZeroCopyReadIntoCallerBuffer(t *testing.T) {
	geom := testGeometry()
	_, fsys := mustFormat(t, geom)

	want := bytes.Repeat([]byte{0xAB}, 500)
	wf, err := fsys.Open("blob.bin", ModeWrite)
	require.NoError(t, err)
	_, err = wf.Write(want)
	require.NoError(t, err)
	require.NoError(t, wf.Close())

	rf, err := fsys.Open("blob.bin", ModeRead|ModeZeroCopy)
	require.NoError(t, err)
	got := make([]byte, len(want))
	n, err := rf.Read(got)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	require.True(t, bytes.Equal(want, got))
}

func TestInvalidModeRejected(t *testing.T) {
	geom := testGeometry()
	_, fsys := mustFormat(t, geom)

	_, err := fsys.Open("x.txt", 0)
	require.ErrorIs(t, err, ErrInvalidMode)
}

func TestDoubleCloseReturnsErrClosed(t *testing.T) {
	geom := testGeometry()
	_, fsys := mustFormat(t, geom)

	wf, err := fsys.Open("f.txt", ModeWrite)
	require.NoError(t, err)
	require.NoError(t, wf.Close())
	require.ErrorIs(t, wf.Close(), ErrClosed)
}

// TestReplaceSurvivesCrashDuringRotationCommit exercises the atomic
// replacement law against an interrupted table rotation, not just a clean
// close: the ring is driven to exhaustion so the replacing Close must
// rotate, and the device is killed partway through that rotation's swap
// sequence (after the new pair's first half is programmed and the old
// pair's first half erased, but before the new pair's second half is
// programmed) -- the exact trace under which mounting the first CRC-valid
// half found, instead of running the ring scan, would resurrect a
// generation whose fclose never returned.
func TestReplaceSurvivesCrashDuringRotationCommit(t *testing.T) {
	geom := testGeometry()
	geom.CRCCount = 2 // ring exhausts after one commit, forcing the next to rotate
	dev, fsys := mustFormat(t, geom)

	wf, err := fsys.Open("doc.txt", ModeWrite)
	require.NoError(t, err)
	_, err = wf.Write([]byte("version one"))
	require.NoError(t, err)
	require.NoError(t, wf.Close()) // incremental commit; ring now full

	wf2, err := fsys.Open("doc.txt", ModeWrite)
	require.NoError(t, err)
	_, err = wf2.Write([]byte("version two, much longer than the original"))
	require.NoError(t, err)

	// Close() now performs: [1] header program, then a forced rotation:
	// [2] erase swap1new, [3] program swap1new, [4] erase swap1old,
	// [5] erase swap2new, [6] program swap2new, [7] erase swap2old. Kill
	// the 6th call.
	dev.killAfter = 6
	require.Error(t, wf2.Close())

	mounted, err := Mount(dev, geom)
	require.NoError(t, err)

	rf, err := mounted.Open("doc.txt", ModeRead)
	require.NoError(t, err)
	got := make([]byte, rf.Len())
	_, err = rf.Read(got)
	require.NoError(t, err)
	require.Equal(t, "version one", string(got), "a close that never returned must leave the old file intact")

	// Mount's forced resync must also have repaired the mirror pair it
	// fell back from, so a later incremental commit never attempts an
	// illegal 0->1 flip against a stale copy.
	primary := make([]byte, geom.SectorSize)
	secondary := make([]byte, geom.SectorSize)
	require.NoError(t, dev.Read(geom.sectorAddr(lba(mounted.firstFAT)), primary))
	require.NoError(t, dev.Read(geom.sectorAddr(lba((mounted.firstFAT+1)%geom.TableCount)), secondary))
	if diff := cmp.Diff(primary, secondary); diff != "" {
		t.Fatalf("table mirror pair diverged after mount repair (-primary +secondary):\n%s", diff)
	}
}
