package schedule

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheLookupAbsentIsEmpty(t *testing.T) {
	t.Parallel()
	c := NewCache()
	got := c.Lookup("missing")
	require.NotNil(t, got)
	assert.Empty(t, got)
	assert.True(t, c.RefreshedAt().IsZero())
}

func TestCacheReplaceIsWholesale(t *testing.T) {
	t.Parallel()
	c := NewCache()
	c.Replace(map[string][]Item{
		"G1": {{TenantID: "G1"}},
		"G2": {{TenantID: "G2"}},
	})
	assert.Equal(t, []string{"G1", "G2"}, c.Tenants())

	c.Replace(map[string][]Item{"G3": {{TenantID: "G3"}, {TenantID: "G3"}}})
	assert.Equal(t, []string{"G3"}, c.Tenants())
	assert.Empty(t, c.Lookup("G1"))
	assert.Equal(t, 2, c.Len())
	assert.False(t, c.RefreshedAt().IsZero())
}

func TestCacheReplaceCopiesInput(t *testing.T) {
	t.Parallel()
	c := NewCache()
	in := map[string][]Item{"G1": {{TenantID: "G1", SponsorLabel: "Acme"}}}
	c.Replace(in)

	in["G1"][0].SponsorLabel = "mutated"
	in["G2"] = []Item{{TenantID: "G2"}}

	assert.Equal(t, "Acme", c.Lookup("G1")[0].SponsorLabel)
	assert.Empty(t, c.Lookup("G2"))
}

func TestCacheScenarioA(t *testing.T) {
	t.Parallel()
	items, _ := Normalize(scenarioHeader, [][]string{
		{"G1", "general", "Acme", "January", "1", "0", "pending", "1"},
	})
	c := NewCache()
	c.Replace(GroupByTenant(items))

	got := c.Lookup("G1")
	require.Len(t, got, 1)
	assert.Equal(t, "Acme", got[0].SponsorLabel)
	assert.Equal(t, "pending", got[0].Status)
}

// Each generation writes N items for every tenant; a reader must never see a
// tenant list whose length disagrees with its generation.
func TestCacheReadersNeverSeePartialRefresh(t *testing.T) {
	t.Parallel()
	c := NewCache()
	gen := func(n int) map[string][]Item {
		out := map[string][]Item{}
		for _, tenant := range []string{"A", "B", "C"} {
			for i := 0; i < n; i++ {
				out[tenant] = append(out[tenant], Item{TenantID: tenant, SponsorLabel: fmt.Sprint(n)})
			}
		}
		return out
	}
	c.Replace(gen(1))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 16)

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := c.Snapshot()
				want := -1
				for _, items := range snap {
					if want == -1 {
						want = len(items)
					}
					if len(items) != want {
						errs <- "tenants disagree within one snapshot"
						return
					}
					for _, it := range items {
						if it.SponsorLabel != fmt.Sprint(len(items)) {
							errs <- "item from another generation"
							return
						}
					}
				}
			}
		}()
	}

	for n := 2; n < 200; n++ {
		c.Replace(gen(n))
	}
	close(stop)
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatal(e)
	}
}
