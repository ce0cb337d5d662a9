package metrics

import "testing"

// BenchmarkCollector_MessageSent measures the overhead of recording an
// outbound message (two atomic adds).
func BenchmarkCollector_MessageSent(b *testing.B) {
	c := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.MessageSent(64)
	}
}

// BenchmarkCollector_Nil measures the nil-receiver fast path.
func BenchmarkCollector_Nil(b *testing.B) {
	var c *Collector
	for i := 0; i < b.N; i++ {
		c.MessageReceived(64)
	}
}

// BenchmarkCollector_Snapshot measures snapshot cost.
func BenchmarkCollector_Snapshot(b *testing.B) {
	c := New()
	c.MessageSent(10)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Snapshot()
	}
}
