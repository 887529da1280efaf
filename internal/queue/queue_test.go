package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/driftsync/driftsync/internal/change"
)

func rec(table string, id int) *change.Record {
	return &change.Record{
		TableName:  table,
		Operation:  change.OperationInsert,
		PrimaryKey: map[string]interface{}{"id": id},
		Origin:     change.OriginApp,
	}
}

func TestDrainReturnsPushedRecords(t *testing.T) {
	q := New()
	q.Push(rec("teams", 1))
	q.Push(rec("teams", 2))

	got := q.Drain(10, 50*time.Millisecond)
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].PrimaryKey["id"] != 1 {
		t.Error("FIFO order not preserved")
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}

func TestDrainRespectsMax(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.Push(rec("teams", i))
	}

	got := q.Drain(3, 50*time.Millisecond)
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if q.Len() != 2 {
		t.Errorf("expected 2 left, got %d", q.Len())
	}
}

func TestDrainTimesOutEmpty(t *testing.T) {
	q := New()

	start := time.Now()
	got := q.Drain(10, 30*time.Millisecond)
	if got != nil {
		t.Errorf("expected nil on timeout, got %d records", len(got))
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("Drain returned before the window elapsed")
	}
}

func TestDrainWakesOnPush(t *testing.T) {
	q := New()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(rec("teams", 7))
	}()

	got := q.Drain(10, 2*time.Second)
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
}

func TestRequeuePreservesOrder(t *testing.T) {
	q := New()
	q.Push(rec("teams", 3))

	q.Requeue([]*change.Record{rec("teams", 1), rec("teams", 2)})

	got := q.Drain(10, 50*time.Millisecond)
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i, r := range got {
		if r.PrimaryKey["id"] != i+1 {
			t.Errorf("position %d: expected id %d, got %v", i, i+1, r.PrimaryKey["id"])
		}
	}
}

func TestConcurrentProducers(t *testing.T) {
	q := New()

	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(rec(fmt.Sprintf("t%d", p), i))
			}
		}(p)
	}

	done := make(chan struct{})
	var drained []*change.Record
	go func() {
		defer close(done)
		for len(drained) < producers*perProducer {
			batch := q.Drain(50, 100*time.Millisecond)
			if batch == nil {
				return
			}
			drained = append(drained, batch...)
		}
	}()

	wg.Wait()
	<-done

	if len(drained) != producers*perProducer {
		t.Fatalf("expected %d records, drained %d", producers*perProducer, len(drained))
	}

	// Per-producer order must survive interleaving.
	lastSeen := make(map[string]int)
	for _, r := range drained {
		id := r.PrimaryKey["id"].(int)
		if last, ok := lastSeen[r.TableName]; ok && id <= last {
			t.Fatalf("producer %s order violated: %d after %d", r.TableName, id, last)
		}
		lastSeen[r.TableName] = id
	}
}

func TestCloseWakesConsumer(t *testing.T) {
	q := New()

	done := make(chan []*change.Record, 1)
	go func() {
		done <- q.Drain(10, 5*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case got := <-done:
		if got != nil {
			t.Errorf("expected nil from closed empty queue, got %d records", len(got))
		}
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after Close")
	}
}
