package dispatch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindbot/internal/schedule"
	"remindbot/internal/selector"
	"remindbot/internal/sheets"
	"remindbot/internal/storage"
	"remindbot/internal/transport/transporttest"
	"remindbot/pkg/logx"
)

var header = []string{
	schedule.HeaderTenant, schedule.HeaderCreator, schedule.HeaderChannel, schedule.HeaderSponsor,
	schedule.HeaderShouldNotify, schedule.HeaderStatus, schedule.HeaderStatusSend, schedule.HeaderIgnore,
	schedule.HeaderReminderDate, schedule.HeaderReminderType,
}

// row builds a due-able row for the given reminder date and delivery mode.
func row(tenant, creator, channel, sponsor, date, mode string) []string {
	return []string{tenant, creator, channel, sponsor, "1", "pending", "1", "0", date, mode}
}

type memStore struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (m *memStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) RecentAudit(context.Context, int) ([]storage.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.AuditEntry(nil), m.entries...), nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) kinds() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, e := range m.entries {
		out[e.Kind]++
	}
	return out
}

type fixture struct {
	src      *sheets.StaticSource
	platform *transporttest.Platform
	cache    *schedule.Cache
	audit    *memStore
	orch     *Orchestrator
}

func newFixture(t *testing.T, now time.Time, latchFired bool, table [][]string) fixture {
	t.Helper()
	f := fixture{
		src:      sheets.NewStaticSource(table),
		platform: transporttest.New(),
		cache:    schedule.NewCache(),
		audit:    &memStore{},
	}
	sel := selector.New(
		selector.WithClock(func() time.Time { return now }),
		selector.WithLatch(selector.NewOverrideLatch(latchFired)),
	)
	f.orch = New(Config{Workers: 3, RatePerSec: 0}, f.src, f.cache, sel, f.platform, logx.Nop(),
		WithAudit(f.audit), WithLocation(time.UTC))
	return f
}

func TestRunMainCycleRoutesByDeliveryMode(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)
	table := [][]string{
		header,
		row("G1", "U1", "general", "Acme", "4/10/2025", "channel post"),
		row("G1", "U2", "general", "Beta", "4/10/2025", "channel post"),
		row("G1", "U3", "general", "Gamma", "4/10/2025", "private message"),
		row("G2", "U4", "news", "Delta", "4/10/2025", ""),
		row("G2", "U5", "news", "Late", "4/11/2025", "channel post"),
	}
	f := newFixture(t, now, true, table)
	f.platform.AddMember("G1", "U3")
	f.platform.AddMember("G2", "U4")

	rep, err := f.orch.RunMainCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Date: "4/10/2025", Deliveries: 3, Items: 4, Sent: 3, Took: rep.Took}, rep)

	sent := f.platform.Sent()
	require.Len(t, sent, 3)
	sort.Slice(sent, func(i, j int) bool {
		if sent[i].Kind != sent[j].Kind {
			return sent[i].Kind < sent[j].Kind
		}
		return sent[i].Target < sent[j].Target
	})

	assert.Equal(t, "channel", sent[0].Kind)
	assert.Equal(t, "general", sent[0].Target)
	require.Len(t, sent[0].Cards, 2)
	assert.Equal(t, "Acme", sent[0].Cards[0].Title)
	assert.Equal(t, "Beta", sent[0].Cards[1].Title)

	assert.Equal(t, "direct", sent[1].Kind)
	assert.Equal(t, "U3", sent[1].Target)
	assert.Equal(t, "direct", sent[2].Kind)
	assert.Equal(t, "U4", sent[2].Target)

	assert.Equal(t, 5, f.cache.Len())
	assert.Equal(t, map[string]int{storage.KindDelivery: 3, storage.KindCycle: 1}, f.audit.kinds())
}

func TestRunMainCycleSkipsUnknownMembers(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)
	table := [][]string{
		header,
		row("G1", "U9", "general", "Acme", "4/10/2025", "private message"),
		row("G1", "", "general", "Beta", "4/10/2025", "private message"),
		row("G1", "U1", "missing", "Gamma", "4/10/2025", "channel post"),
		row("G1", "U1", "locked", "Delta", "4/10/2025", "channel post"),
		row("G1", "U1", "general", "Eps", "4/10/2025", "channel post"),
	}
	f := newFixture(t, now, true, table)
	f.platform.MissingChannels["missing"] = true
	f.platform.FailChannels["locked"] = true

	rep, err := f.orch.RunMainCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Deliveries)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 3, rep.Skipped, "unknown member, unknown creator, unknown channel")
	assert.Equal(t, 1, rep.Failed)
	// The Unknown Creator placeholder never reaches the platform.
	assert.Equal(t, 1, f.platform.Lookups())
}

func TestRefreshFailureKeepsCacheAndSkipsDispatch(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)
	table := [][]string{header, row("G1", "U1", "general", "Acme", "4/10/2025", "channel post")}
	f := newFixture(t, now, true, table)

	require.NoError(t, f.orch.RunRefreshOnly(context.Background()))
	require.Equal(t, 1, f.cache.Len())

	f.src.Set(nil, errors.New("quota exceeded"))
	rep, err := f.orch.RunMainCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, sheets.ErrSourceFetch))
	assert.Equal(t, Report{}, rep)
	assert.Empty(t, f.platform.Sent())
	assert.Equal(t, 1, f.cache.Len(), "previous cache kept")

	_, _, lastErr := f.orch.LastCycle()
	assert.Error(t, lastErr)
}

func TestOverrideWindowFiresOncePerProcess(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	table := [][]string{
		header,
		row("G1", "U1", "general", "Acme", "4/20/2025", "channel post"),
		row("G2", "U1", "news", "Beta", "", "channel post"),
	}
	f := newFixture(t, now, false, table)

	rep, err := f.orch.RunMainCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Override)
	assert.Equal(t, 2, rep.Sent, "every tenant sees the same override decision")

	rep, err = f.orch.Resend(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Override)
	assert.Equal(t, 0, rep.Deliveries)
}

func TestSendsRunConcurrentlyWithinWorkerBound(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)
	table := [][]string{header}
	for _, ch := range []string{"a", "b", "c", "d", "e", "f"} {
		table = append(table, row("G1", "U1", ch, "S-"+ch, "4/10/2025", "channel post"))
	}
	f := newFixture(t, now, true, table)

	var inflight, peak int32
	f.platform.Hook = func(context.Context) error {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return nil
	}

	rep, err := f.orch.RunMainCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, rep.Sent)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestSendTimeoutBoundsEachDelivery(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)
	table := [][]string{
		header,
		row("G1", "U1", "slow", "Acme", "4/10/2025", "channel post"),
	}
	f := newFixture(t, now, true, table)
	f.orch.Apply(Config{Workers: 1, SendTimeout: 20 * time.Millisecond})
	f.platform.Hook = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	rep, err := f.orch.RunMainCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
}

func TestCyclesSerialize(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)
	table := [][]string{header, row("G1", "U1", "general", "Acme", "4/10/2025", "channel post")}
	f := newFixture(t, now, true, table)

	var inflight, peak int32
	f.platform.Hook = func(context.Context) error {
		n := atomic.AddInt32(&inflight, 1)
		if n > atomic.LoadInt32(&peak) {
			atomic.StoreInt32(&peak, n)
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.orch.Resend(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	assert.Len(t, f.platform.Sent(), 4)
}

func TestActorIsAudited(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)
	table := [][]string{header, row("G1", "U1", "general", "Acme", "4/10/2025", "channel post")}
	f := newFixture(t, now, true, table)

	_, err := f.orch.Resend(WithActor(context.Background(), "U42"))
	require.NoError(t, err)
	entries, _ := f.audit.RecentAudit(context.Background(), 0)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, "U42", e.Actor)
	}
	assert.Equal(t, "scheduler", ActorFrom(context.Background()))
}

// gatedSource serves tables in call order; the first call waits for release.
type gatedSource struct {
	mu      sync.Mutex
	calls   int
	tables  [][][]string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) Fetch(ctx context.Context) ([][]string, error) {
	g.mu.Lock()
	n := g.calls
	g.calls++
	g.mu.Unlock()
	if n == 0 {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.tables[n], nil
}

func TestOlderRefreshDoesNotOverwriteNewer(t *testing.T) {
	t.Parallel()
	src := &gatedSource{
		tables: [][][]string{
			{header, row("G1", "U1", "general", "Old", "4/10/2025", "channel post")},
			{header, row("G1", "U1", "general", "New", "4/10/2025", "channel post")},
		},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	cache := schedule.NewCache()
	orch := New(Config{}, src, cache, selector.New(), transporttest.New(), logx.Nop())

	slow := make(chan error, 1)
	go func() { slow <- orch.RunRefreshOnly(context.Background()) }()
	<-src.entered

	require.NoError(t, orch.RunRefreshOnly(context.Background()))
	require.Len(t, cache.Lookup("G1"), 1)
	assert.Equal(t, "New", cache.Lookup("G1")[0].SponsorLabel)

	close(src.release)
	require.NoError(t, <-slow)
	assert.Equal(t, "New", cache.Lookup("G1")[0].SponsorLabel)
}
