package integration

import (
	"testing"
	"time"

	"github.com/ChuLiYu/streamsched/internal/node"
	"github.com/ChuLiYu/streamsched/pkg/types"
	"github.com/stretchr/testify/require"
)

func BenchmarkRelayChain(b *testing.B) {
	const depth = 4

	out := &sink{}
	relays := make([]node.Node, depth)
	var prev *relay
	for i := range relays {
		r := newRelay("relay")
		if prev != nil {
			prev.ConnectRearNode(r)
		}
		relays[i] = r
		prev = r
	}
	prev.ConnectRearNode(out)
	head := relays[0].(*relay)

	startScheduler(b, relays...)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		head.OnDataFromFrontNode(types.Unit{Seq: uint32(i)})
	}
	for out.count() < b.N {
		time.Sleep(100 * time.Microsecond)
	}
	b.StopTimer()

	require.Equal(b, b.N, out.count())
}
