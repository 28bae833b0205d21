package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingSource counts fetches and delays them so that concurrent
// resolutions overlap.
type countingSource struct {
	MapSource
	fetches atomic.Int32
	delay   time.Duration
}

func (c *countingSource) Fetch(ctx context.Context, uri string) (*Document, error) {
	c.fetches.Add(1)
	time.Sleep(c.delay)
	return c.MapSource.Fetch(ctx, uri)
}

func TestCache_PopulatesOnce(t *testing.T) {
	src := &countingSource{MapSource: MapSource{"parent.yml": parentDoc, "child.yml": childDoc}, delay: 20 * time.Millisecond}
	cache := NewCache(NewResolver(src), time.Minute)

	var wg sync.WaitGroup
	results := make([]*Schema, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := cache.Get(context.Background(), "child", KindFHIRTransform)
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			results[i] = s
		}(i)
	}
	wg.Wait()

	if n := src.fetches.Load(); n != 2 {
		t.Errorf("expected one fetch per document, got %d", n)
	}
	for _, s := range results[1:] {
		if s != results[0] {
			t.Fatal("expected every caller to share the resolved schema")
		}
	}
	if cache.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", cache.Len())
	}
}

func TestCache_RootRevisionChangeMisses(t *testing.T) {
	src := MapSource{"parent.yml": parentDoc, "child.yml": childDoc}
	cache := NewCache(NewResolver(src), time.Hour)
	first, err := cache.Get(context.Background(), "child", KindFHIRTransform)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	src["child.yml"] = childDoc + "hl7Version: \"2.7\"\n"
	second, err := cache.Get(context.Background(), "child", KindFHIRTransform)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first == second || second.HL7Version != "2.7" {
		t.Error("expected a fresh resolution after the root changed")
	}
}

func TestCache_TTLBoundsStaleness(t *testing.T) {
	src := MapSource{"parent.yml": parentDoc, "child.yml": childDoc}
	cache := NewCache(NewResolver(src), time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }

	first, _ := cache.Get(context.Background(), "child", KindFHIRTransform)
	src["parent.yml"] = parentDoc + "hl7Type: ADT^A01\n"
	if again, _ := cache.Get(context.Background(), "child", KindFHIRTransform); again != first {
		t.Error("expected cached schema within the TTL")
	}
	now = now.Add(2 * time.Minute)
	fresh, err := cache.Get(context.Background(), "child", KindFHIRTransform)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fresh.HL7Type != "ADT^A01" {
		t.Error("expected parent change to be visible after the TTL")
	}
}

func TestCache_KindIsPartOfKey(t *testing.T) {
	src := MapSource{"parent.yml": parentDoc, "child.yml": childDoc}
	cache := NewCache(NewResolver(src), time.Minute)
	a, _ := cache.Get(context.Background(), "child", KindFHIRTransform)
	b, _ := cache.Get(context.Background(), "child", KindHL7ToFHIR)
	if a == nil || b != nil {
		t.Errorf("hl7-to-fhir rejects %%resource anchors, expected a=%v b=nil, got b=%v", a != nil, b)
	}
}

func TestCache_ErrorsAreNotCached(t *testing.T) {
	src := MapSource{}
	cache := NewCache(NewResolver(src), time.Minute)
	if _, err := cache.Get(context.Background(), "late", KindFHIRTransform); !errors.Is(err, ErrSchemaNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	src["late.yml"] = "elements: []\n"
	if _, err := cache.Get(context.Background(), "late", KindFHIRTransform); err != nil {
		t.Errorf("expected success once the document exists, got %v", err)
	}
	cache.Invalidate()
	if cache.Len() != 0 {
		t.Error("expected empty cache")
	}
}
