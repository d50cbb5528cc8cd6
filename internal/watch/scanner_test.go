// ABOUTME: Tests for the polling scanner against temp directories
// ABOUTME: A recording sender captures what would be sent to the gateway

package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sacmes-gateway/internal/monitor"
)

type recordingSender struct {
	mu    sync.Mutex
	names []string
	data  map[string]string
	fail  map[string]error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{data: make(map[string]string), fail: make(map[string]error)}
}

func (r *recordingSender) SendFile(_ context.Context, name string, content []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[name]; err != nil {
		return err
	}
	r.names = append(r.names, name)
	r.data[name] = string(content)
	return nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("data:"+n), 0o600))
	}
}

var testFilters = Filters{
	Handle:      "run",
	Frequencies: []int{60, 120},
	RangeStart:  1,
	RangeEnd:    100,
}

func newTestScanner(dir string, s Sender) *Scanner {
	return NewScanner(Config{
		Dir:          dir,
		Filters:      testFilters,
		PollInterval: 10 * time.Millisecond,
		SendDelay:    time.Millisecond,
	}, s)
}

func TestScanOrdersByNumberThenName(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir,
		"run_120Hz_10.txt",
		"run_60Hz_2.txt",
		"run_60Hz_10.txt",
		"run_120Hz_2.txt",
		"run_90Hz_1.txt",
		"other_60Hz_1.txt",
		"notes.txt",
	)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "run_60Hz_3.txt"), 0o700))

	rec := newRecordingSender()
	sc := newTestScanner(dir, rec)

	n, err := sc.Scan(t.Context(), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{
		"run_120Hz_2.txt",
		"run_60Hz_2.txt",
		"run_120Hz_10.txt",
		"run_60Hz_10.txt",
	}, rec.sent())
	assert.Equal(t, "data:run_60Hz_2.txt", rec.data["run_60Hz_2.txt"])
}

func TestScanSkipsProcessed(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "run_60Hz_1.txt")

	rec := newRecordingSender()
	sc := newTestScanner(dir, rec)

	n, err := sc.Scan(t.Context(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	writeFiles(t, dir, "run_60Hz_2.txt")
	n, err = sc.Scan(t.Context(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"run_60Hz_1.txt", "run_60Hz_2.txt"}, rec.sent())
	assert.Equal(t, 2, sc.Processed())
}

func TestScanRetriesFailedSend(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "run_60Hz_1.txt")

	rec := newRecordingSender()
	rec.fail["run_60Hz_1.txt"] = errors.New("not connected")
	sc := newTestScanner(dir, rec)

	n, err := sc.Scan(t.Context(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec.mu.Lock()
	delete(rec.fail, "run_60Hz_1.txt")
	rec.mu.Unlock()

	n, err = sc.Scan(t.Context(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScanMissingDirectory(t *testing.T) {
	sc := newTestScanner(filepath.Join(t.TempDir(), "gone"), newRecordingSender())
	_, err := sc.Scan(t.Context(), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "run_60Hz_1.txt")

	rec := newRecordingSender()
	c := monitor.New(monitor.Config{Grace: time.Millisecond, PollInterval: time.Millisecond, Timeout: time.Second})
	require.NoError(t, c.Start(newTestScanner(dir, rec).Run))
	t.Cleanup(func() { _ = c.Stop() })

	require.Eventually(t, func() bool { return len(rec.sent()) == 1 }, time.Second, 5*time.Millisecond)

	writeFiles(t, dir, "run_60Hz_2.txt")
	require.Eventually(t, func() bool { return len(rec.sent()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestRunStopsAtCheckPoint(t *testing.T) {
	dir := t.TempDir()
	for i := 1; i <= 50; i++ {
		writeFiles(t, dir, "run_60Hz_"+strconv.Itoa(i)+".txt")
	}

	rec := newRecordingSender()
	sc := NewScanner(Config{
		Dir:          dir,
		Filters:      testFilters,
		PollInterval: 10 * time.Millisecond,
		SendDelay:    20 * time.Millisecond,
	}, rec)

	c := monitor.New(monitor.Config{Grace: time.Millisecond, PollInterval: time.Millisecond, Timeout: time.Second})
	require.NoError(t, c.Start(sc.Run))
	require.Eventually(t, func() bool { return len(rec.sent()) >= 2 }, time.Second, time.Millisecond)

	require.NoError(t, c.Stop())
	stoppedAt := len(rec.sent())
	assert.Less(t, stoppedAt, 50)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stoppedAt, len(rec.sent()), "no sends after Stop returns")
}

func TestRunEndsWhenDirectoryVanishes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.Mkdir(dir, 0o700))

	c := monitor.New(monitor.Config{})
	require.NoError(t, c.Start(newTestScanner(dir, newRecordingSender()).Run))

	require.NoError(t, os.Remove(dir))
	require.Eventually(t, func() bool { return c.State() == monitor.Idle }, time.Second, 5*time.Millisecond)
}
