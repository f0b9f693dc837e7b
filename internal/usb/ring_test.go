package usb

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

func appendBytes(r *bulkInRing, p []byte) {
	buf := r.tail(len(p))
	copy(buf, p)
	r.commit(len(p))
}

func TestRingAccounting(t *testing.T) {
	r := newBulkInRing()
	rng := rand.New(rand.NewSource(1))

	var appended, consumed int
	dst := make([]byte, 8192)

	for i := 0; i < 1000; i++ {
		if rng.Intn(2) == 0 {
			n := rng.Intn(4096)
			appendBytes(r, make([]byte, n))
			appended += n
		} else {
			consumed += r.take(dst[:rng.Intn(len(dst))])
		}

		if pending := r.available(); consumed+pending != appended {
			t.Fatalf("iteration %d: consumed %d + pending %d != appended %d",
				i, consumed, pending, appended)
		}
		if r.consumed < 0 || r.consumed > r.end || r.end > len(r.buf) {
			t.Fatalf("iteration %d: offsets out of order: consumed=%d end=%d cap=%d",
				i, r.consumed, r.end, len(r.buf))
		}
	}
}

func TestRingDeliversInAppendOrder(t *testing.T) {
	r := newBulkInRing()
	rng := rand.New(rand.NewSource(2))

	var want []byte
	for i := 0; i < 50; i++ {
		frame := make([]byte, 1+rng.Intn(3000))
		rng.Read(frame)
		appendBytes(r, frame)
		want = append(want, frame...)
	}

	dst := make([]byte, len(want))
	n := r.receive(dst, len(want), time.Second, nil)
	if n != len(want) {
		t.Fatalf("received %d of %d bytes", n, len(want))
	}
	if !bytes.Equal(dst, want) {
		t.Fatal("bytes not delivered in append order")
	}
}

func TestRingCapacityStaysBounded(t *testing.T) {
	r := newBulkInRing()
	dst := make([]byte, bulkReadSize)

	// Live bytes never exceed one read; the buffer must not grow past one
	// read plus the growth headroom no matter how many cycles run.
	for i := 0; i < 1000; i++ {
		appendBytes(r, make([]byte, bulkReadSize))
		if n := r.take(dst); n != bulkReadSize {
			t.Fatalf("take returned %d", n)
		}
	}

	if len(r.buf) > bulkReadSize+ringGrowth {
		t.Fatalf("capacity grew to %d with at most %d live bytes", len(r.buf), bulkReadSize)
	}
}

func TestRingReceiveDeadline(t *testing.T) {
	r := newBulkInRing()

	start := time.Now()
	n := r.receive(make([]byte, 4), 4, 50*time.Millisecond, nil)
	if n != 0 {
		t.Fatalf("received %d bytes from an empty ring", n)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("returned before the deadline")
	}
}

func TestRingPartialBelowMinimumStaysUnconsumed(t *testing.T) {
	r := newBulkInRing()
	appendBytes(r, []byte{1, 2})

	var warned bool
	n := r.receive(make([]byte, 4), 4, 20*time.Millisecond, func(string, ...interface{}) { warned = true })
	if n != 0 {
		t.Fatalf("received %d bytes with only 2 available", n)
	}
	if !warned {
		t.Error("partial receive was not warned about")
	}
	if r.available() != 2 {
		t.Fatalf("partial data consumed: %d bytes left", r.available())
	}
}

func TestRingReceiveWakesOnLateData(t *testing.T) {
	r := newBulkInRing()

	go func() {
		time.Sleep(20 * time.Millisecond)
		appendBytes(r, []byte("LOKE"))
	}()

	dst := make([]byte, 4)
	n := r.receive(dst, 4, time.Second, nil)
	if n != 4 || !bytes.Equal(dst, []byte("LOKE")) {
		t.Fatalf("received %d bytes %q", n, dst[:n])
	}
}

func TestRingClear(t *testing.T) {
	r := newBulkInRing()
	appendBytes(r, []byte{1, 2, 3})
	r.clear()
	if r.available() != 0 {
		t.Fatalf("%d bytes left after clear", r.available())
	}
}
