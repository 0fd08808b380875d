package runtime

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/sbl8/tessera/program"
)

func prepared(name string) *Prepared {
	return &Prepared{Program: program.New(name)}
}

func TestPlanCacheLRU(t *testing.T) {
	t.Parallel()
	var evicted []string
	c := NewPlanCache(2, func(p *Prepared) { evicted = append(evicted, p.Program.Name()) })

	builds := 0
	get := func(key uint64, name string) *Prepared {
		p, _, err := c.GetOrBuild(key, func() (*Prepared, error) {
			builds++
			return prepared(name), nil
		})
		if err != nil {
			t.Fatal(err)
		}
		return p
	}

	get(1, "a")
	get(2, "b")
	if p := get(1, "a2"); p.Program.Name() != "a" {
		t.Errorf("hit returned %q", p.Program.Name())
	}
	get(3, "c") // evicts b, the least recently used

	if builds != 3 {
		t.Errorf("builds = %d, want 3", builds)
	}
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted = %v, want [b]", evicted)
	}
	if c.Contains(2) || !c.Contains(1) || !c.Contains(3) {
		t.Error("wrong entries survived eviction")
	}

	c.Clear()
	if c.Len() != 0 || len(evicted) != 3 {
		t.Errorf("after Clear: len %d, evicted %v", c.Len(), evicted)
	}
}

func TestPlanCacheBuildError(t *testing.T) {
	t.Parallel()
	c := NewPlanCache(2, nil)
	boom := errors.New("boom")
	_, hit, err := c.GetOrBuild(7, func() (*Prepared, error) { return nil, boom })
	if err != boom || hit {
		t.Fatalf("GetOrBuild = hit %v, err %v", hit, err)
	}
	if c.Contains(7) {
		t.Error("failed build was cached")
	}
}

func TestPlanCacheDisabled(t *testing.T) {
	t.Parallel()
	c := NewPlanCache(0, nil)
	for i := 0; i < 2; i++ {
		_, hit, err := c.GetOrBuild(1, func() (*Prepared, error) { return prepared("x"), nil })
		if err != nil || hit {
			t.Fatalf("iteration %d: hit %v err %v", i, hit, err)
		}
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d with caching disabled", c.Len())
	}
}
