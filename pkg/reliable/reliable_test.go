package reliable

import (
	"bytes"
	"testing"
)

func TestSendRecvRegularRoundTrip(t *testing.T) {
	sender := New(DefaultConfig)
	receiver := New(DefaultConfig)

	pkts, err := sender.Send([]byte("hello"), 0)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("expected 1 packet for a small payload, got %d", len(pkts))
	}

	var got []byte
	err = receiver.Recv(pkts[0], 0, func(seq uint16, payload []byte) bool {
		got = append([]byte(nil), payload...)
		return true
	})
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("payload = %q, want %q", got, "hello")
	}
	if receiver.Counters.PacketsRecv != 1 {
		t.Fatalf("PacketsRecv = %d, want 1", receiver.Counters.PacketsRecv)
	}
}

func TestSendFragmentsLargePayload(t *testing.T) {
	cfg := Config{FragmentAbove: 16, FragmentSize: 8, MaxFragments: 16}
	sender := New(cfg)
	receiver := New(cfg)

	payload := bytes.Repeat([]byte("x"), 20)
	pkts, err := sender.Send(payload, 0)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(pkts) != 3 {
		t.Fatalf("expected 3 fragments for a 20-byte payload with size 8, got %d", len(pkts))
	}

	var got []byte
	delivered := 0
	for _, p := range pkts {
		err := receiver.Recv(p, 0, func(seq uint16, payload []byte) bool {
			got = append([]byte(nil), payload...)
			delivered++
			return true
		})
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
	}
	if delivered != 1 {
		t.Fatalf("expected exactly 1 reassembled delivery, got %d", delivered)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestSendFragmentsOutOfOrder(t *testing.T) {
	cfg := Config{FragmentAbove: 16, FragmentSize: 8, MaxFragments: 16}
	sender := New(cfg)
	receiver := New(cfg)

	payload := bytes.Repeat([]byte("y"), 20)
	pkts, err := sender.Send(payload, 0)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	order := []int{2, 0, 1}
	var got []byte
	for _, i := range order {
		receiver.Recv(pkts[i], 0, func(seq uint16, payload []byte) bool {
			got = append([]byte(nil), payload...)
			return true
		})
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload mismatch after out-of-order delivery")
	}
}

func TestPacketTooLargeRejected(t *testing.T) {
	cfg := Config{FragmentAbove: 8, FragmentSize: 8, MaxFragments: 2}
	sender := New(cfg)

	_, err := sender.Send(bytes.Repeat([]byte("z"), 100), 0)
	if err != ErrPacketTooLarge {
		t.Fatalf("expected ErrPacketTooLarge, got %v", err)
	}
	if sender.Counters.PacketsTooLarge != 1 {
		t.Fatalf("PacketsTooLarge = %d, want 1", sender.Counters.PacketsTooLarge)
	}
}

func TestStaleSequenceRejected(t *testing.T) {
	sender := New(DefaultConfig)
	receiver := New(DefaultConfig)

	pkts, _ := sender.Send([]byte("first"), 0)
	receiver.Recv(pkts[0], 0, func(seq uint16, payload []byte) bool { return true })

	calls := 0
	receiver.Recv(pkts[0], 0, func(seq uint16, payload []byte) bool {
		calls++
		return true
	})
	if calls != 0 {
		t.Fatalf("expected a stale duplicate not to reach onProcess, got %d calls", calls)
	}
	if receiver.Counters.PacketsStale != 1 {
		t.Fatalf("PacketsStale = %d, want 1", receiver.Counters.PacketsStale)
	}
}

func TestAcksPropagateToSender(t *testing.T) {
	sender := New(DefaultConfig)
	receiver := New(DefaultConfig)

	pkt1, _ := sender.Send([]byte("one"), 0)
	receiver.Recv(pkt1[0], 0, func(seq uint16, payload []byte) bool { return true })

	// Receiver now acks seq 0 in its next send; feed that back to the
	// sender so it can mark its own seq 0 as acked.
	reply, _ := receiver.Send([]byte("ack-carrier"), 0)
	sender.Recv(reply[0], 10, func(seq uint16, payload []byte) bool { return true })

	if sender.Counters.PacketsAcked != 1 {
		t.Fatalf("PacketsAcked = %d, want 1", sender.Counters.PacketsAcked)
	}
}

func TestEncodeDecodeRegularHeaderShortAck(t *testing.T) {
	h := encodeRegularHeader(100, 95, 0xFFFFFFFF)
	// seq-ack delta is 5, fits in the 1-byte form, and a bitmap of all 1s
	// compresses away entirely: flags(1) + seq(2) + delta(1) = 4 bytes.
	if len(h) != 4 {
		t.Fatalf("header length = %d, want 4 for fully-compressed all-acked header", len(h))
	}
	got, err := decodeRegularHeader(h)
	if err != nil {
		t.Fatalf("decodeRegularHeader: %v", err)
	}
	if got.seq != 100 || got.ack != 95 || got.ackBits != 0xFFFFFFFF {
		t.Fatalf("decoded header mismatch: %+v", got)
	}
}

func TestEncodeDecodeRegularHeaderFullAck(t *testing.T) {
	h := encodeRegularHeader(10, 9000, 0x0F0F0F0F)
	got, err := decodeRegularHeader(h)
	if err != nil {
		t.Fatalf("decodeRegularHeader: %v", err)
	}
	if got.seq != 10 || got.ack != 9000 || got.ackBits != 0x0F0F0F0F {
		t.Fatalf("decoded header mismatch: %+v", got)
	}
}
