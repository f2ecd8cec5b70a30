package sink

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDrainKeepsOrder(t *testing.T) {
	s := New()
	s.Publish(Chunk{Host: "h1", Text: "a"})
	s.Publish(Chunk{Host: "h2", Text: "b"})

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []Chunk{{"h1", "a"}, {"h2", "b"}}, s.Drain())
	assert.Zero(t, s.Len())
}

func TestConcurrentProducers(t *testing.T) {
	s := New()

	const producers, perProducer = 8, 100
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				s.Publish(Chunk{Host: fmt.Sprintf("h%d", p), Text: fmt.Sprint(i)})
			}
		}(p)
	}

	done := make(chan map[string][]string)
	go func() {
		got := map[string][]string{}
		for {
			chunk, ok := s.Next(context.Background())
			if !ok {
				done <- got
				return
			}
			got[chunk.Host] = append(got[chunk.Host], chunk.Text)
		}
	}()

	wg.Wait()
	s.Close()

	got := <-done
	require.Len(t, got, producers)
	for host, texts := range got {
		require.Len(t, texts, perProducer, host)
		// Per producer order is preserved.
		for i, text := range texts {
			assert.Equal(t, fmt.Sprint(i), text)
		}
	}
}

func TestNextHonoursContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := s.Next(ctx)
	assert.False(t, ok)
}

func TestPublishAfterClose(t *testing.T) {
	s := New()
	s.Publish(Chunk{Text: "kept"})
	s.Close()
	s.Publish(Chunk{Text: "dropped"})

	chunk, ok := s.Next(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "kept", chunk.Text)

	_, ok = s.Next(context.Background())
	assert.False(t, ok)
}
