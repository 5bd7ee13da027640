package tail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var testDay = time.Date(2024, 3, 22, 12, 0, 0, 0, time.UTC)

func fastDistributor(dataDir string) *Distributor {
	return NewDistributor(dataDir, time.UTC, WithIntervals(10*time.Millisecond, 20*time.Millisecond))
}

func sourceDir(t *testing.T, dataDir, source string) string {
	t.Helper()
	dir := filepath.Join(dataDir, "2024", "03", "22", source)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func appendRecord(t *testing.T, dir, uid string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = fmt.Fprintf(f, `{"schema":"reaclog.event.v1.1","uid":%q,"source":"slack","kind":"post","ts":"2024-03-22T12:00:00+00:00"}`+"\n", uid)
	require.NoError(t, err)
}

// waitInitialScan gives the subscription's first discovery pass time to
// finish, so records appended afterwards count as new rather than backlog.
func waitInitialScan() { time.Sleep(50 * time.Millisecond) }

func recvUID(t *testing.T, sub *Subscription) string {
	t.Helper()
	select {
	case record, ok := <-sub.Records():
		require.True(t, ok, "stream closed early")
		uid, _ := record["uid"].(string)
		return uid
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for record")
		return ""
	}
}

func TestSubscriptionStreamsAppendedRecords(t *testing.T) {
	defer goleak.VerifyNone(t)

	dataDir := t.TempDir()
	dir := sourceDir(t, dataDir, "slack")

	sub := fastDistributor(dataDir).Subscribe(context.Background(), testDay)
	defer sub.Close()
	waitInitialScan()

	appendRecord(t, dir, "slack:C1@1.000000")
	assert.Equal(t, "slack:C1@1.000000", recvUID(t, sub))

	appendRecord(t, dir, "slack:C1@2.000000")
	assert.Equal(t, "slack:C1@2.000000", recvUID(t, sub))
}

func TestSubscriptionSkipsExistingBacklog(t *testing.T) {
	defer goleak.VerifyNone(t)

	dataDir := t.TempDir()
	dir := sourceDir(t, dataDir, "slack")
	appendRecord(t, dir, "slack:C1@1.000000")
	appendRecord(t, dir, "slack:C1@2.000000")

	sub := fastDistributor(dataDir).Subscribe(context.Background(), testDay)
	defer sub.Close()
	waitInitialScan()

	// Records on disk before the subscription never stream; only the
	// append that follows does.
	appendRecord(t, dir, "slack:C1@3.000000")
	assert.Equal(t, "slack:C1@3.000000", recvUID(t, sub))

	select {
	case record := <-sub.Records():
		t.Fatalf("unexpected record %v", record)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriptionDiscoversNewSources(t *testing.T) {
	defer goleak.VerifyNone(t)

	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "2024", "03", "22"), 0o755))

	sub := fastDistributor(dataDir).Subscribe(context.Background(), testDay)
	defer sub.Close()

	// Source appears only after the subscription is live.
	dir := sourceDir(t, dataDir, "github")
	appendRecord(t, dir, "github:repo@3.000000")

	assert.Equal(t, "github:repo@3.000000", recvUID(t, sub))
}

func TestSubscriptionToleratesMissingDayDir(t *testing.T) {
	defer goleak.VerifyNone(t)

	dataDir := t.TempDir()
	sub := fastDistributor(dataDir).Subscribe(context.Background(), testDay)
	defer sub.Close()

	// The whole day partition materializes later.
	dir := sourceDir(t, dataDir, "slack")
	appendRecord(t, dir, "slack:C9@4.000000")

	assert.Equal(t, "slack:C9@4.000000", recvUID(t, sub))
}

func TestSubscriptionSkipsSummaries(t *testing.T) {
	defer goleak.VerifyNone(t)

	dataDir := t.TempDir()
	summaries := sourceDir(t, dataDir, "summaries")
	slack := sourceDir(t, dataDir, "slack")

	sub := fastDistributor(dataDir).Subscribe(context.Background(), testDay)
	defer sub.Close()
	waitInitialScan()

	appendRecord(t, summaries, "summary:day@1")
	appendRecord(t, slack, "slack:C1@5.000000")

	assert.Equal(t, "slack:C1@5.000000", recvUID(t, sub))
	select {
	case record := <-sub.Records():
		t.Fatalf("unexpected record %v", record)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriptionResetsOnTruncation(t *testing.T) {
	defer goleak.VerifyNone(t)

	dataDir := t.TempDir()
	dir := sourceDir(t, dataDir, "slack")

	sub := fastDistributor(dataDir).Subscribe(context.Background(), testDay)
	defer sub.Close()
	waitInitialScan()

	appendRecord(t, dir, "slack:C1@1.000000")
	appendRecord(t, dir, "slack:C1@2.000000")
	assert.Equal(t, "slack:C1@1.000000", recvUID(t, sub))
	assert.Equal(t, "slack:C1@2.000000", recvUID(t, sub))

	// Truncate to a single, different record. The shrink resets the
	// consumed count and replays from offset zero.
	path := filepath.Join(dir, "events.jsonl")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"schema":"reaclog.event.v1.1","uid":"slack:C1@9.000000","source":"slack","kind":"post","ts":"2024-03-22T12:00:00+00:00"}`+"\n"), 0o644))

	assert.Equal(t, "slack:C1@9.000000", recvUID(t, sub))
}

func TestSubscriptionSkipsMalformedLines(t *testing.T) {
	defer goleak.VerifyNone(t)

	dataDir := t.TempDir()
	dir := sourceDir(t, dataDir, "slack")

	sub := fastDistributor(dataDir).Subscribe(context.Background(), testDay)
	defer sub.Close()
	waitInitialScan()

	appendRecord(t, dir, "slack:C1@1.000000")

	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{this is not json}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	appendRecord(t, dir, "slack:C1@2.000000")

	assert.Equal(t, "slack:C1@1.000000", recvUID(t, sub))
	assert.Equal(t, "slack:C1@2.000000", recvUID(t, sub))
}

func TestSubscriptionCloseIsSynchronousAndIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	dataDir := t.TempDir()
	dir := sourceDir(t, dataDir, "slack")

	sub := fastDistributor(dataDir).Subscribe(context.Background(), testDay)
	waitInitialScan()
	appendRecord(t, dir, "slack:C1@1.000000")
	assert.Equal(t, "slack:C1@1.000000", recvUID(t, sub))

	sub.Close()
	sub.Close()

	// The stream is closed, not leaked.
	_, ok := <-sub.Records()
	assert.False(t, ok)
}

func TestSubscriberIDsAreUnique(t *testing.T) {
	defer goleak.VerifyNone(t)

	dataDir := t.TempDir()
	d := fastDistributor(dataDir)

	first := d.Subscribe(context.Background(), testDay)
	second := d.Subscribe(context.Background(), testDay)
	defer first.Close()
	defer second.Close()

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
}
