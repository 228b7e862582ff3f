package server

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/goleak"

	internalErrors "github.com/bastiangx/entityserve/internal/errors"
	"github.com/bastiangx/entityserve/pkg/dictionary"
	"github.com/bastiangx/entityserve/pkg/segment"
)

// stubLinker records the parameters it was called with.
type stubLinker struct {
	mu        sync.Mutex
	threshold float64
	k         int
	err       error
}

func (l *stubLinker) Segment(_ context.Context, query string, threshold float64) ([]segment.Segment, error) {
	l.mu.Lock()
	l.threshold = threshold
	l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	return []segment.Segment{{
		Start: 0, End: len(query), Alias: "huma abedin", Text: query,
		Entity: &dictionary.Entity{ID: 1001}, Name: "Huma Abedin", Score: -1.5,
	}}, nil
}

func (l *stubLinker) TopK(_ context.Context, _ string, k int) ([]segment.ScoredCandidate, error) {
	l.mu.Lock()
	l.k = k
	l.mu.Unlock()
	out := make([]segment.ScoredCandidate, k)
	for i := range out {
		out[i].Entity = &dictionary.Entity{ID: uint32(i + 1)}
		out[i].Score = -float64(i)
	}
	return out, nil
}

func (l *stubLinker) Partition(context.Context, string) ([]segment.Segment, error) {
	return nil, nil
}

type stubStats struct{}

func (stubStats) Stats() dictionary.CorpusStats {
	return dictionary.CorpusStats{Entities: 3, Aliases: 2}
}

func encodeAll(t *testing.T, reqs ...any) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	for _, r := range reqs {
		require.NoError(t, enc.Encode(r))
	}
	return &buf
}

func ptr[T any](v T) *T { return &v }

func defaults() Defaults {
	return Defaults{Threshold: -20, K: 5, MaxQueryLen: 64}
}

func TestServerLinkRequests(t *testing.T) {
	defer goleak.VerifyNone(t)

	linker := &stubLinker{}
	in := encodeAll(t,
		LinkRequest{ID: "a", Query: "who is huma abedin"},
		LinkRequest{ID: "b", Query: "who is huma abedin", Threshold: ptr(-3.0)},
		LinkRequest{ID: "c", Query: "paris", Mode: ModeTopK, K: ptr(2)},
	)
	var out bytes.Buffer
	s := NewServerWithIO(linker, stubStats{}, defaults(), in, &out)
	require.NoError(t, s.Start(context.Background()))

	dec := msgpack.NewDecoder(&out)
	var ready map[string]string
	require.NoError(t, dec.Decode(&ready))
	assert.Equal(t, "ready", ready["status"])

	var a LinkResponse
	require.NoError(t, dec.Decode(&a))
	assert.Equal(t, "a", a.ID)
	require.Equal(t, 1, a.Count)
	assert.Equal(t, LinkedSpan{Start: 0, End: 18, Alias: "huma abedin", Entity: 1001, Name: "Huma Abedin", Score: -1.5}, a.Spans[0])

	var b LinkResponse
	require.NoError(t, dec.Decode(&b))
	assert.Equal(t, "b", b.ID)
	assert.Equal(t, -3.0, linker.threshold)

	var c LinkResponse
	require.NoError(t, dec.Decode(&c))
	assert.Equal(t, 2, c.Count)
	assert.Equal(t, uint32(1), c.Spans[0].Entity)
	assert.Equal(t, 2, linker.k)

	_, err := dec.DecodeInterface()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		name string
		req  LinkRequest
		code int
	}{
		{"empty query", LinkRequest{ID: "1", Query: "  "}, 400},
		{"long query", LinkRequest{ID: "2", Query: string(bytes.Repeat([]byte("a"), 65))}, 413},
		{"unknown mode", LinkRequest{ID: "3", Query: "paris", Mode: "beam"}, 400},
		{"bad k", LinkRequest{ID: "4", Query: "paris", Mode: ModeTopK, K: ptr(0)}, 400},
		{"unknown action", LinkRequest{ID: "5", Action: "reload"}, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			s := NewServerWithIO(&stubLinker{}, stubStats{}, defaults(), encodeAll(t, tt.req), &out)
			require.NoError(t, s.Start(context.Background()))

			dec := msgpack.NewDecoder(&out)
			_, err := dec.DecodeInterface()
			require.NoError(t, err)
			var e LinkError
			require.NoError(t, dec.Decode(&e))
			assert.Equal(t, tt.req.ID, e.ID)
			assert.Equal(t, tt.code, e.Code)
			assert.NotEmpty(t, e.Error)
		})
	}
}

func TestServerLinkerFailure(t *testing.T) {
	linker := &stubLinker{err: internalErrors.NewCorruptIndexError(4, "payload too short")}
	var out bytes.Buffer
	s := NewServerWithIO(linker, stubStats{}, defaults(), encodeAll(t, LinkRequest{ID: "x", Query: "paris"}), &out)
	require.NoError(t, s.Start(context.Background()))

	dec := msgpack.NewDecoder(&out)
	_, err := dec.DecodeInterface()
	require.NoError(t, err)
	var e LinkError
	require.NoError(t, dec.Decode(&e))
	assert.Equal(t, 500, e.Code)
	assert.Contains(t, e.Error, "payload too short")
}

func TestServerRejectsWrongTypes(t *testing.T) {
	in := encodeAll(t,
		map[string]any{"id": "bad", "q": 42},
		LinkRequest{ID: "good", Query: "paris"},
	)
	var out bytes.Buffer
	s := NewServerWithIO(&stubLinker{}, stubStats{}, defaults(), in, &out)
	require.NoError(t, s.Start(context.Background()))

	dec := msgpack.NewDecoder(&out)
	_, err := dec.DecodeInterface()
	require.NoError(t, err)
	var e LinkError
	require.NoError(t, dec.Decode(&e))
	assert.Equal(t, 400, e.Code)
	var ok LinkResponse
	require.NoError(t, dec.Decode(&ok))
	assert.Equal(t, "good", ok.ID)
	require.Equal(t, 1, ok.Count)
	assert.Equal(t, 5, ok.Spans[0].End)
}

func TestServerControlActions(t *testing.T) {
	in := encodeAll(t,
		LinkRequest{ID: "s", Action: "stats"},
		LinkRequest{ID: "d", Action: "set_defaults", Threshold: ptr(-4.0), K: ptr(9)},
		LinkRequest{ID: "g", Action: "get_defaults"},
		LinkRequest{ID: "q", Query: "who is huma abedin"},
	)
	var out bytes.Buffer
	linker := &stubLinker{}
	s := NewServerWithIO(linker, stubStats{}, defaults(), in, &out)
	require.NoError(t, s.Start(context.Background()))

	dec := msgpack.NewDecoder(&out)
	_, err := dec.DecodeInterface()
	require.NoError(t, err)

	var stats StatsResponse
	require.NoError(t, dec.Decode(&stats))
	assert.Equal(t, uint64(3), stats.Stats.Entities)
	assert.Equal(t, uint64(1), stats.Requests)

	var set, get DefaultsResponse
	require.NoError(t, dec.Decode(&set))
	require.NoError(t, dec.Decode(&get))
	assert.Equal(t, DefaultsResponse{ID: "g", Status: "ok", Threshold: -4, K: 9}, get)
	assert.Equal(t, 9, s.Defaults().K)
	assert.Equal(t, 64, s.Defaults().MaxQueryLen)

	var q LinkResponse
	require.NoError(t, dec.Decode(&q))
	assert.Equal(t, -4.0, linker.threshold)
}

func TestServerDefaultsReloadWhileServing(t *testing.T) {
	defer goleak.VerifyNone(t)

	pr, pw := io.Pipe()
	var out bytes.Buffer
	linker := &stubLinker{}
	s := NewServerWithIO(linker, stubStats{}, defaults(), pr, &out)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	enc := msgpack.NewEncoder(pw)
	for i := 0; i < 20; i++ {
		d := defaults()
		d.Threshold = float64(-i)
		s.SetDefaults(d)
		require.NoError(t, enc.Encode(LinkRequest{ID: "r", Query: "who is huma abedin"}))
	}
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)

	linker.mu.Lock()
	defer linker.mu.Unlock()
	assert.Equal(t, -19.0, linker.threshold)
}

func TestServerTruncatedStream(t *testing.T) {
	in := encodeAll(t, LinkRequest{ID: "a", Query: "paris"})
	truncated := bytes.NewReader(in.Bytes()[:in.Len()-2])
	s := NewServerWithIO(&stubLinker{}, stubStats{}, defaults(), truncated, io.Discard)
	assert.Error(t, s.Start(context.Background()))
}
