package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"courier/internal/content"
	"courier/internal/format"
	"courier/internal/storage"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

type fakeProducer struct {
	items      []content.Item
	collectErr error
	explode    bool
	commits    int
}

func (p *fakeProducer) Collect(ctx context.Context) ([]content.Item, error) {
	if p.explode {
		panic("feed exploded")
	}
	return p.items, p.collectErr
}

func (p *fakeProducer) Commit(ctx context.Context) error {
	p.commits++
	return nil
}

// fakeSender consumes one scripted outcome per call; an exhausted script
// means success.
type fakeSender struct {
	name   string
	script []transport.Outcome
	sent   []format.Block
}

func (s *fakeSender) Name() string { return s.name }

func (s *fakeSender) Send(ctx context.Context, b format.Block) transport.Attempt {
	s.sent = append(s.sent, b)
	out := transport.OutcomeSuccess
	if len(s.script) > 0 {
		out = s.script[0]
		s.script = s.script[1:]
	}
	att := transport.Attempt{
		Channel:    s.name,
		BlockIndex: b.Index,
		StartedAt:  time.Now(),
		Outcome:    out,
	}
	if out != transport.OutcomeSuccess {
		att.Err = fmt.Errorf("scripted %s", out)
	}
	return att
}

type senderMap map[string]transport.Sender

func (m senderMap) Lookup(name string) (transport.Sender, bool) {
	s, ok := m[name]
	return s, ok
}

func newsItem(source, title string, importance int, observed time.Time) content.Item {
	return content.Item{
		Category:   content.CategoryNews,
		Title:      title,
		Source:     source,
		Importance: importance,
		ObservedAt: observed,
	}.Normalize()
}

func newTestCoordinator(t *testing.T, opts Options, p Producer, senders senderMap) (*Coordinator, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if opts.SendRate == 0 {
		opts.SendRate = time.Millisecond
	}
	return New(opts, p, senders, st, logx.Nop(), nil), st
}

func mustLive(t *testing.T, st storage.Store, fingerprint string) storage.DedupRecord {
	t.Helper()
	rec, found, err := st.GetDedup(context.Background(), fingerprint)
	if err != nil {
		t.Fatalf("GetDedup(%s): %v", fingerprint, err)
	}
	if !found || !rec.Live(time.Now()) {
		t.Fatalf("fingerprint %s not recorded as live (found=%v)", fingerprint, found)
	}
	return rec
}

func mustAbsent(t *testing.T, st storage.Store, fingerprint string) {
	t.Helper()
	_, found, err := st.GetDedup(context.Background(), fingerprint)
	if err != nil {
		t.Fatalf("GetDedup(%s): %v", fingerprint, err)
	}
	if found {
		t.Fatalf("fingerprint %s recorded despite failed delivery", fingerprint)
	}
}

func TestCycleDeliversNovelItems(t *testing.T) {
	observed := time.Now().Add(-10 * time.Minute)
	items := []content.Item{
		newsItem("reuters", "rates held steady", 3, observed),
		newsItem("bloomberg", "chip exports up", 2, observed),
		newsItem("caixin", "property bonds slide", 1, observed),
	}
	primary := &fakeSender{name: "wechat"}
	prod := &fakeProducer{items: items}
	c, st := newTestCoordinator(t, Options{Primary: "wechat", Backup: "whatsapp"},
		prod, senderMap{"wechat": primary, "whatsapp": &fakeSender{name: "whatsapp"}})

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !res.OverallSuccess {
		t.Fatalf("cycle failed: %s", res.ErrorDetail)
	}
	if res.CycleID == "" {
		t.Fatal("cycle id not assigned")
	}
	if res.ChannelUsed != ChannelPrimary {
		t.Fatalf("channel_used = %q, want %q", res.ChannelUsed, ChannelPrimary)
	}
	if res.Candidates != 3 || res.Sent != 3 {
		t.Fatalf("candidates/sent = %d/%d, want 3/3", res.Candidates, res.Sent)
	}
	if res.TotalBlocks != 1 || len(primary.sent) != 1 {
		t.Fatalf("blocks = %d (sender saw %d), want 1", res.TotalBlocks, len(primary.sent))
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Outcome != string(transport.OutcomeSuccess) {
		t.Fatalf("attempts = %+v, want one success", res.Attempts)
	}
	for _, it := range items {
		mustLive(t, st, it.ID)
	}
	if prod.commits != 1 {
		t.Fatalf("producer commits = %d, want 1", prod.commits)
	}

	last, found, err := st.LastResult(context.Background())
	if err != nil || !found {
		t.Fatalf("LastResult: found=%v err=%v", found, err)
	}
	if last.CycleID != res.CycleID {
		t.Fatalf("persisted cycle id = %s, want %s", last.CycleID, res.CycleID)
	}
}

func TestCycleSkipsLiveDuplicates(t *testing.T) {
	observed := time.Now().Add(-10 * time.Minute)
	dup := newsItem("reuters", "rates held steady", 3, observed)
	items := []content.Item{
		dup,
		newsItem("bloomberg", "chip exports up", 2, observed),
		newsItem("caixin", "property bonds slide", 1, observed),
	}
	primary := &fakeSender{name: "wechat"}
	c, st := newTestCoordinator(t, Options{Primary: "wechat"},
		&fakeProducer{items: items}, senderMap{"wechat": primary})

	firstSeen := time.Now().Add(-2 * time.Hour).Truncate(time.Millisecond)
	if err := st.PutDedup(context.Background(), storage.DedupRecord{
		Fingerprint: dup.ID,
		FirstSeenAt: firstSeen,
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("seed dedup: %v", err)
	}

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !res.OverallSuccess || res.Candidates != 3 || res.Sent != 2 {
		t.Fatalf("success/candidates/sent = %v/%d/%d, want true/3/2",
			res.OverallSuccess, res.Candidates, res.Sent)
	}
	if len(primary.sent) != 1 {
		t.Fatalf("sender saw %d blocks, want 1", len(primary.sent))
	}
	if strings.Contains(primary.sent[0].Text, "rates held steady") {
		t.Fatalf("duplicate item leaked into block:\n%s", primary.sent[0].Text)
	}
	for _, want := range []string{"chip exports up", "property bonds slide"} {
		if !strings.Contains(primary.sent[0].Text, want) {
			t.Fatalf("block missing %q:\n%s", want, primary.sent[0].Text)
		}
	}

	rec := mustLive(t, st, dup.ID)
	if !rec.FirstSeenAt.Equal(firstSeen) {
		t.Fatalf("duplicate first_seen_at moved: %v -> %v", firstSeen, rec.FirstSeenAt)
	}
}

func TestCycleFallsBackToBackup(t *testing.T) {
	observed := time.Now().Add(-10 * time.Minute)
	big := strings.Repeat("沪", 1200)
	hi := newsItem("reuters", "morning digest", 3, observed)
	lo := newsItem("caixin", "afternoon digest", 1, observed)
	hi.Body, lo.Body = big, big

	primary := &fakeSender{
		name:   "wechat",
		script: []transport.Outcome{transport.OutcomeSuccess, transport.OutcomeTransient},
	}
	backup := &fakeSender{name: "whatsapp"}
	prod := &fakeProducer{items: []content.Item{hi, lo}}
	c, st := newTestCoordinator(t, Options{Primary: "wechat", Backup: "whatsapp"},
		prod, senderMap{"wechat": primary, "whatsapp": backup})

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !res.OverallSuccess || res.ChannelUsed != ChannelBackup {
		t.Fatalf("success/channel = %v/%s, want true/%s",
			res.OverallSuccess, res.ChannelUsed, ChannelBackup)
	}
	if res.TotalBlocks != 2 {
		t.Fatalf("blocks = %d, want 2", res.TotalBlocks)
	}
	// Primary got both blocks before aborting on the second; the backup
	// restarts the whole sequence from block zero.
	if len(primary.sent) != 2 || len(backup.sent) != 2 {
		t.Fatalf("primary/backup saw %d/%d blocks, want 2/2",
			len(primary.sent), len(backup.sent))
	}
	if backup.sent[0].Index != 0 || backup.sent[1].Index != 1 {
		t.Fatalf("backup block order = %d,%d, want 0,1",
			backup.sent[0].Index, backup.sent[1].Index)
	}
	wantOutcomes := []struct {
		channel string
		outcome transport.Outcome
	}{
		{"wechat", transport.OutcomeSuccess},
		{"wechat", transport.OutcomeTransient},
		{"whatsapp", transport.OutcomeSuccess},
		{"whatsapp", transport.OutcomeSuccess},
	}
	if len(res.Attempts) != len(wantOutcomes) {
		t.Fatalf("attempts = %d, want %d", len(res.Attempts), len(wantOutcomes))
	}
	for i, want := range wantOutcomes {
		got := res.Attempts[i]
		if got.Channel != want.channel || got.Outcome != string(want.outcome) {
			t.Fatalf("attempt[%d] = %s/%s, want %s/%s",
				i, got.Channel, got.Outcome, want.channel, want.outcome)
		}
	}
	mustLive(t, st, hi.ID)
	mustLive(t, st, lo.ID)
	if prod.commits != 1 {
		t.Fatalf("producer commits = %d, want 1", prod.commits)
	}
}

func TestCycleFallsBackOnPermanentFailure(t *testing.T) {
	item := newsItem("reuters", "rates held steady", 2, time.Now())
	primary := &fakeSender{name: "wechat", script: []transport.Outcome{transport.OutcomePermanent}}
	backup := &fakeSender{name: "telegram"}
	c, _ := newTestCoordinator(t, Options{Primary: "wechat", Backup: "telegram"},
		&fakeProducer{items: []content.Item{item}},
		senderMap{"wechat": primary, "telegram": backup})

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !res.OverallSuccess || res.ChannelUsed != ChannelBackup {
		t.Fatalf("success/channel = %v/%s, want true/%s",
			res.OverallSuccess, res.ChannelUsed, ChannelBackup)
	}
	if len(backup.sent) != 1 {
		t.Fatalf("backup saw %d blocks, want 1", len(backup.sent))
	}
}

func TestCycleBothChannelsFail(t *testing.T) {
	item := newsItem("reuters", "rates held steady", 2, time.Now())
	prod := &fakeProducer{items: []content.Item{item}}
	c, st := newTestCoordinator(t, Options{Primary: "wechat", Backup: "whatsapp"}, prod,
		senderMap{
			"wechat":   &fakeSender{name: "wechat", script: []transport.Outcome{transport.OutcomeTransient}},
			"whatsapp": &fakeSender{name: "whatsapp", script: []transport.Outcome{transport.OutcomePermanent}},
		})

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.OverallSuccess {
		t.Fatal("cycle reported success with both channels failing")
	}
	if res.ChannelUsed != ChannelNone || res.Sent != 0 {
		t.Fatalf("channel/sent = %s/%d, want %s/0", res.ChannelUsed, res.Sent, ChannelNone)
	}
	if !strings.Contains(res.ErrorDetail, "whatsapp") {
		t.Fatalf("error detail %q does not name the last failing channel", res.ErrorDetail)
	}
	mustAbsent(t, st, item.ID)
	if prod.commits != 0 {
		t.Fatalf("producer committed %d times on a failed cycle", prod.commits)
	}

	last, found, err := st.LastResult(context.Background())
	if err != nil || !found {
		t.Fatalf("LastResult: found=%v err=%v", found, err)
	}
	if last.OverallSuccess {
		t.Fatal("persisted result claims success")
	}
}

func TestCycleTruncatesOversizedItem(t *testing.T) {
	item := newsItem("reuters", "special report", 4, time.Now())
	item.Body = strings.Repeat("沪", 5000)
	primary := &fakeSender{name: "wechat"}
	c, _ := newTestCoordinator(t, Options{Primary: "wechat"},
		&fakeProducer{items: []content.Item{item}}, senderMap{"wechat": primary})

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !res.OverallSuccess || res.TotalBlocks != 1 || res.Sent != 1 {
		t.Fatalf("success/blocks/sent = %v/%d/%d, want true/1/1",
			res.OverallSuccess, res.TotalBlocks, res.Sent)
	}
	block := primary.sent[0]
	if !block.Truncated {
		t.Fatal("oversized item not marked truncated")
	}
	if !strings.HasSuffix(block.Text, format.DefaultTruncationMarker) {
		t.Fatalf("block does not end with truncation marker: %q", block.Text[len(block.Text)-30:])
	}
	if n := len([]rune(block.Text)); n > format.DefaultMaxBlockSize {
		t.Fatalf("block is %d runes, limit %d", n, format.DefaultMaxBlockSize)
	}
}

func TestCycleNothingToDeliver(t *testing.T) {
	prod := &fakeProducer{}
	primary := &fakeSender{name: "wechat"}
	c, _ := newTestCoordinator(t, Options{Primary: "wechat"}, prod, senderMap{"wechat": primary})

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !res.OverallSuccess {
		t.Fatalf("empty cycle failed: %s", res.ErrorDetail)
	}
	if res.Candidates != 0 || res.TotalBlocks != 0 || len(res.Attempts) != 0 {
		t.Fatalf("empty cycle produced work: %+v", res)
	}
	if len(primary.sent) != 0 {
		t.Fatalf("sender invoked %d times on an empty cycle", len(primary.sent))
	}
	if prod.commits != 1 {
		t.Fatalf("producer commits = %d, want 1", prod.commits)
	}
}

func TestCycleAllDuplicatesIsSuccess(t *testing.T) {
	item := newsItem("reuters", "rates held steady", 2, time.Now())
	primary := &fakeSender{name: "wechat"}
	c, st := newTestCoordinator(t, Options{Primary: "wechat"},
		&fakeProducer{items: []content.Item{item}}, senderMap{"wechat": primary})

	if err := st.PutDedup(context.Background(), storage.DedupRecord{
		Fingerprint: item.ID,
		FirstSeenAt: time.Now().Add(-time.Hour),
		ExpiresAt:   time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed dedup: %v", err)
	}

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !res.OverallSuccess || res.Candidates != 1 || res.Sent != 0 {
		t.Fatalf("success/candidates/sent = %v/%d/%d, want true/1/0",
			res.OverallSuccess, res.Candidates, res.Sent)
	}
	if len(primary.sent) != 0 {
		t.Fatal("sender invoked although every candidate was a duplicate")
	}
}

func TestCycleCollectErrorFailsCycle(t *testing.T) {
	prod := &fakeProducer{collectErr: errors.New("spool unreadable")}
	c, st := newTestCoordinator(t, Options{Primary: "wechat"}, prod,
		senderMap{"wechat": &fakeSender{name: "wechat"}})

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.OverallSuccess {
		t.Fatal("cycle reported success with a failing producer")
	}
	if !strings.Contains(res.ErrorDetail, "spool unreadable") {
		t.Fatalf("error detail = %q", res.ErrorDetail)
	}
	if prod.commits != 0 {
		t.Fatal("producer committed after a collect failure")
	}
	if _, found, _ := st.LastResult(context.Background()); !found {
		t.Fatal("failed cycle not persisted")
	}
}

func TestCyclePanicBecomesFailedResult(t *testing.T) {
	c, st := newTestCoordinator(t, Options{Primary: "wechat"},
		&fakeProducer{explode: true}, senderMap{"wechat": &fakeSender{name: "wechat"}})

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.OverallSuccess || res.ChannelUsed != ChannelNone {
		t.Fatalf("panicked cycle reported %v/%s", res.OverallSuccess, res.ChannelUsed)
	}
	if !strings.Contains(res.ErrorDetail, "panic: feed exploded") {
		t.Fatalf("error detail = %q", res.ErrorDetail)
	}
	if _, found, _ := st.LastResult(context.Background()); !found {
		t.Fatal("panicked cycle not persisted")
	}
}

func TestCycleUnconfiguredChannel(t *testing.T) {
	item := newsItem("reuters", "rates held steady", 2, time.Now())
	c, _ := newTestCoordinator(t, Options{Primary: "wechat"},
		&fakeProducer{items: []content.Item{item}}, senderMap{})

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.OverallSuccess {
		t.Fatal("cycle reported success without any configured sender")
	}
	if len(res.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1 synthesized", len(res.Attempts))
	}
	att := res.Attempts[0]
	if att.Channel != "wechat" || att.Outcome != string(transport.OutcomePermanent) {
		t.Fatalf("attempt = %s/%s, want wechat/permanent", att.Channel, att.Outcome)
	}
	if !strings.Contains(att.ErrorDetail, "no sender configured") {
		t.Fatalf("attempt detail = %q", att.ErrorDetail)
	}
}

func TestCyclePurgesExpiredRecordsFirst(t *testing.T) {
	// An expired record must not shadow a fresh observation of the same
	// fingerprint: the item goes out again and gets a new first_seen_at.
	item := newsItem("reuters", "rates held steady", 2, time.Now())
	primary := &fakeSender{name: "wechat"}
	c, st := newTestCoordinator(t, Options{Primary: "wechat"},
		&fakeProducer{items: []content.Item{item}}, senderMap{"wechat": primary})

	if err := st.PutDedup(context.Background(), storage.DedupRecord{
		Fingerprint: item.ID,
		FirstSeenAt: time.Now().Add(-48 * time.Hour),
		ExpiresAt:   time.Now().Add(-24 * time.Hour),
	}); err != nil {
		t.Fatalf("seed dedup: %v", err)
	}

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !res.OverallSuccess || res.Sent != 1 {
		t.Fatalf("success/sent = %v/%d, want true/1", res.OverallSuccess, res.Sent)
	}
	rec := mustLive(t, st, item.ID)
	if rec.FirstSeenAt.Before(time.Now().Add(-time.Minute)) {
		t.Fatalf("resurrected record kept stale first_seen_at %v", rec.FirstSeenAt)
	}
}
