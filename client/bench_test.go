package client

import (
	"context"
	"testing"

	"zibra/codec"
	"zibra/message"
)

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	cli := newClient(b, []string{serveTCP(b, newServer(b))})
	ctx := context.Background()
	var sum int
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cli.Invoke(ctx, "add", []any{1, 2}, &sum); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用（体现多路复用优势）
func BenchmarkConcurrentCall(b *testing.B) {
	cli := newClient(b, []string{serveTCP(b, newServer(b))}, WithFullDuplex(true))
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var sum int
		for pb.Next() {
			if err := cli.Invoke(ctx, "add", []any{1, 2}, &sum); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// 场景3: 批量调用，一个请求携带多个调用
func BenchmarkBatchCall(b *testing.B) {
	cli := newClient(b, []string{serveTCP(b, newServer(b))})
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		batch := cli.NewBatch()
		sums := make([]int, 8)
		for j := range sums {
			batch.Add("add", []any{j, j}, &sums[j])
		}
		if err := batch.Do(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景4: 编解码性能（不走网络）
func BenchmarkEncodeDecode(b *testing.B) {
	settings := message.DefaultSettings()
	resp := func() []byte {
		data, _ := codec.Marshal(3, codec.Options{})
		return append(append([]byte{message.TagResult}, data...), message.TagEnd)
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := message.EncodeCall("add", []any{1, 2}, &settings); err != nil {
			b.Fatal(err)
		}
		var sum int
		if err := message.DecodeResult(resp, &sum, nil, &settings); err != nil {
			b.Fatal(err)
		}
	}
}
