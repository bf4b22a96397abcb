package datalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/battery-tester/internal/tester"
)

func TestFileName(t *testing.T) {
	assert.Equal(t, "battery007.csv", FileName(7, ""))
	assert.Equal(t, "cell-a-012.csv", FileName(12, "cell-a"))
	assert.Equal(t, "Samsung_25R-001.csv", FileName(1, "Samsung 25R"))
	assert.Equal(t, "battery002.csv", FileName(2, "///"))
}

func TestCounterPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tester.count")

	c := NewCounter(path)
	assert.Equal(t, 0, c.Next())
	assert.Equal(t, 1, c.Next())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(data))

	// a new process picks up where the last one stopped
	assert.Equal(t, 2, NewCounter(path).Next())
}

func TestCounterCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tester.count")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	assert.Equal(t, 0, NewCounter(path).Next())
}

func TestCounterUnwritableIsBestEffort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "tester.count")
	c := NewCounter(path)
	assert.Equal(t, 0, c.Next())
	assert.Equal(t, 1, c.Next())
}

func TestStoreOpenWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, "")

	sink, err := store.Open(2, "cell-a")
	require.NoError(t, err)
	require.NoError(t, sink.Append(tester.Row{Elapsed: 0, Voltage: 4.2, Current: 0, Charge: 0}))
	require.NoError(t, sink.Append(tester.Row{Elapsed: 10, Voltage: 4.012, Current: 1.123, Charge: 0.00156}))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	path := filepath.Join(dir, "cell-a-000.csv")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "# battery cell-a (slot 2): time (s); voltage (V); current (A); charge (Ah)", lines[0])
	assert.Equal(t, "     0.00;  4.200;  0.000;  0.00000", lines[1])
	assert.Equal(t, "    10.00;  4.012;  1.123;  0.00156", lines[2])

	assert.Equal(t, path, sink.(*File).Path())
	assert.Error(t, sink.Append(tester.Row{}), "append after close")
}

func TestStoreNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "battery000.csv"), []byte("keep\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "battery001.csv"), []byte("keep\n"), 0o644))

	sink, err := NewStore(dir, "").Open(1, "")
	require.NoError(t, err)
	defer sink.Close()

	assert.Equal(t, filepath.Join(dir, "battery002.csv"), sink.(*File).Path())
	data, err := os.ReadFile(filepath.Join(dir, "battery000.csv"))
	require.NoError(t, err)
	assert.Equal(t, "keep\n", string(data))
}

func TestStoreOpenMissingDir(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "nope"), "").Open(1, "x")
	assert.Error(t, err)
}

func TestCheckWritable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CheckWritable(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file must be removed")

	assert.Error(t, CheckWritable(filepath.Join(dir, "missing")))

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.Error(t, CheckWritable(file))
}

func TestRoundTripElapsedColumn(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, "")
	sink, err := store.Open(1, "cell-b")
	require.NoError(t, err)

	// 10s cadence, then 2s after the fast threshold, then 0.5s while ending
	want := []float64{0, 10, 20, 30, 32, 34, 36, 36.5, 37, 37.5}
	for i, e := range want {
		require.NoError(t, sink.Append(tester.Row{Elapsed: e, Voltage: 4.0 - float64(i)*0.1, Current: 1, Charge: e / 3600}))
	}
	require.NoError(t, sink.Close())

	f, err := os.Open(sink.(*File).Path())
	require.NoError(t, err)
	defer f.Close()

	h, rows, err := ReadLog(f)
	require.NoError(t, err)
	assert.Equal(t, "cell-b", h.Battery)
	assert.Equal(t, 1, h.Slot)
	require.Len(t, rows, len(want))

	for i, row := range rows {
		assert.InDelta(t, want[i], row.Elapsed, 0.005)
		if i > 0 {
			assert.Greater(t, row.Elapsed, rows[i-1].Elapsed)
		}
	}
}

func TestReadLogRejectsBadRow(t *testing.T) {
	_, _, err := ReadLog(strings.NewReader("# battery x (slot 1): time\n1; 2; 3\n"))
	assert.ErrorContains(t, err, "line 2")

	_, _, err = ReadLog(strings.NewReader("1; 2; x; 4\n"))
	assert.ErrorContains(t, err, "field 3")
}

func TestSummarize(t *testing.T) {
	data := `# battery cell-c (slot 3): time (s); voltage (V); current (A); charge (Ah)
     0.00;  4.180;  0.000;  0.00000
    10.00;  3.900;  1.000;  0.00139
    20.00;  2.950;  1.000;  0.00417
    20.50;  3.300;  0.000;  0.00417
`
	s, err := Summarize(strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "cell-c", s.Battery)
	assert.Equal(t, 4, s.Rows)
	assert.Equal(t, 20.5, s.Duration)
	assert.Equal(t, 4.18, s.OpenVoltage)
	assert.Equal(t, 2.95, s.MinVoltage)
	assert.Equal(t, 0.00417, s.Capacity)

	_, err = Summarize(strings.NewReader("# battery empty (slot 1): x\n"))
	assert.ErrorIs(t, err, ErrNoRows)
}
