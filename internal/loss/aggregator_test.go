package loss

import (
	"math"
	"sync"
	"testing"

	"github.com/NodePath81/lossmon/internal/message"
)

func TestGap(t *testing.T) {
	cases := []struct {
		prev, cur, want uint64
	}{
		{5, 5, 0},
		{5, 6, 0},
		{5, 7, 1},
		{0, 100, 99},
		{7, 3, 0},
		{0, math.MaxUint64, math.MaxUint64 - 1},
	}
	for _, tc := range cases {
		if got := Gap(tc.prev, tc.cur); got != tc.want {
			t.Fatalf("Gap(%d, %d) = %d, want %d", tc.prev, tc.cur, got, tc.want)
		}
	}
}

func TestRecord(t *testing.T) {
	agg := NewAggregator()
	if lost := agg.Record(message.Message{DeviceID: 1, SerialID: 5}, 5); lost != 0 {
		t.Fatalf("baseline added %d lost", lost)
	}
	if lost := agg.Record(message.Message{DeviceID: 1, SerialID: 7}, 5); lost != 1 {
		t.Fatalf("gap of two added %d lost, want 1", lost)
	}
	agg.Record(message.Message{DeviceID: 1, SerialID: 8}, 7)

	got := agg.Totals()
	if got != (Totals{Received: 3, Lost: 1}) {
		t.Fatalf("Totals = %+v, want received 3 lost 1", got)
	}
}

func TestRecordConcurrent(t *testing.T) {
	agg := NewAggregator()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				agg.Record(message.Message{SerialID: 3}, 1)
			}
		}()
	}
	wg.Wait()
	got := agg.Totals()
	if got.Received != 4000 || got.Lost != 4000 {
		t.Fatalf("Totals = %+v, want 4000/4000", got)
	}
}
