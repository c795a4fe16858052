package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/counter-sync/pkg/store"
)

type fixture struct {
	store    *store.Memory
	server   *httptest.Server
	client   *Client
	requests *int64
}

func newFixture(t *testing.T) *fixture {
	st := store.NewMemory("server", "client")
	srv := NewServer(st, WithIdempotencyTTL(time.Minute))
	var requests int64
	h := srv.Handler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	c, err := NewClient(ts.URL)
	require.NoError(t, err)
	return &fixture{store: st, server: ts, client: c, requests: &requests}
}

func (f *fixture) adjustWithKey(t *testing.T, name, body, key string) (int, string) {
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/counters/"+name+"/adjust", bytes.NewBufferString(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, strings.TrimSpace(buf.String())
}

func TestClientRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.client.FetchCurrent(ctx, "client")
	require.NoError(t, err)
	require.Equal(t, int64(0), v)

	v, err = f.client.ApplyDelta(ctx, "client", 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), v)

	v, err = f.client.ApplyDelta(ctx, "client", -1)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)

	for i := 0; i < 3; i++ {
		v, err = f.client.FetchCurrent(ctx, "client")
		require.NoError(t, err)
		require.Equal(t, int64(2), v)
	}

	other, err := f.client.FetchCurrent(ctx, "server")
	require.NoError(t, err)
	require.Equal(t, int64(0), other)
}

func TestLocalMatchesStore(t *testing.T) {
	st := store.NewMemory("client")
	var notified []int64
	l := NewLocal(st, WithNotify(func(name string, value int64) {
		require.Equal(t, "client", name)
		notified = append(notified, value)
	}))
	ctx := context.Background()

	v, err := l.ApplyDelta(ctx, "client", 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
	v, err = l.ApplyDelta(ctx, "client", 5)
	require.NoError(t, err)
	require.Equal(t, int64(7), v)
	_, err = l.ApplyDelta(ctx, "missing", 1)
	require.ErrorIs(t, err, store.ErrUnknownCounter)
	require.Equal(t, []int64{2, 7}, notified)

	v, err = st.Read(ctx, "client")
	require.NoError(t, err)
	require.Equal(t, int64(7), v)
}

func TestIdempotencyKeyReplaysFirstResult(t *testing.T) {
	f := newFixture(t)

	code, body := f.adjustWithKey(t, "client", `{"delta": 4}`, "abc")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"name":"client","value":4}`, body)

	code, body = f.adjustWithKey(t, "client", `{"delta": 4}`, "abc")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"name":"client","value":4}`, body)

	v, err := f.store.Read(context.Background(), "client")
	require.NoError(t, err)
	require.Equal(t, int64(4), v)

	code, body = f.adjustWithKey(t, "client", `{"delta": 4}`, "def")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"name":"client","value":8}`, body)

	code, body = f.adjustWithKey(t, "client", `{"delta": 1}`, "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"name":"client","value":9}`, body)
	code, _ = f.adjustWithKey(t, "client", `{"delta": 1}`, "")
	require.Equal(t, http.StatusOK, code)

	v, err = f.store.Read(context.Background(), "client")
	require.NoError(t, err)
	require.Equal(t, int64(10), v)
}

func TestFailedAdjustIsNotReplayed(t *testing.T) {
	f := newFixture(t)

	code, _ := f.adjustWithKey(t, "missing", `{"delta": 1}`, "k")
	require.Equal(t, http.StatusNotFound, code)
	code, _ = f.adjustWithKey(t, "missing", `{"delta": 1}`, "k")
	require.Equal(t, http.StatusNotFound, code)
}

func TestAdjustRejectsBadBodies(t *testing.T) {
	f := newFixture(t)

	for _, tc := range []struct {
		name string
		body string
	}{
		{"not json", `nope`},
		{"missing delta", `{}`},
		{"wrong type", `{"delta": "1"}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			code, body := f.adjustWithKey(t, "client", tc.body, "")
			require.Equal(t, http.StatusBadRequest, code)
			require.Contains(t, body, "error")
		})
	}

	v, err := f.store.Read(context.Background(), "client")
	require.NoError(t, err)
	require.Equal(t, int64(0), v)
}

func TestClientMapsErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.ApplyDelta(ctx, "missing", 1)
	require.ErrorIs(t, err, store.ErrUnknownCounter)

	v, err := f.client.FetchCurrent(ctx, "missing")
	require.NoError(t, err)
	require.Equal(t, int64(0), v)

	require.NoError(t, f.store.Close())
	_, err = f.client.FetchCurrent(ctx, "client")
	require.ErrorIs(t, err, store.ErrStorageUnavailable)
	_, err = f.client.ApplyDelta(ctx, "client", 1)
	require.ErrorIs(t, err, store.ErrStorageUnavailable)
}

func TestClientTransportFailureIsUnavailable(t *testing.T) {
	f := newFixture(t)
	f.server.Close()

	_, err := f.client.FetchCurrent(context.Background(), "client")
	require.ErrorIs(t, err, store.ErrStorageUnavailable)
}

func TestNewClientRejectsBadUrls(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	require.Error(t, err)
	_, err = NewClient("::")
	require.Error(t, err)
}

func TestRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.CreateRecord(ctx, "   ")
	var verr *store.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "name", verr.Field)
	_, err = f.client.CreateRecord(ctx, strings.Repeat("x", store.MaxRecordNameLength+1))
	require.True(t, errors.As(err, &verr))
	require.Equal(t, int64(0), atomic.LoadInt64(f.requests))

	first, err := f.client.CreateRecord(ctx, "  first ")
	require.NoError(t, err)
	require.Equal(t, "first", first.Name)
	second, err := f.client.CreateRecord(ctx, "second")
	require.NoError(t, err)
	require.Greater(t, second.ID, first.ID)

	recs, err := f.client.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "second", recs[0].Name)
	require.Equal(t, "first", recs[1].Name)
}

func TestGetRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.client.CreateRecord(ctx, "ada")
	require.NoError(t, err)
	got, err := f.client.GetRecord(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)
	require.Equal(t, "ada", got.Name)
	require.True(t, created.CreatedAt.Equal(got.CreatedAt))

	_, err = f.client.GetRecord(ctx, created.ID+1)
	require.ErrorIs(t, err, store.ErrUnknownRecord)
	require.False(t, errors.Is(err, store.ErrUnknownCounter))

	resp, err := http.Get(f.server.URL + "/records/abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// failFirstAdjust blocks the first Adjust until release closes and then fails it.
type failFirstAdjust struct {
	store.Store
	calls   int64
	started chan struct{}
	release chan struct{}
}

func (s *failFirstAdjust) Adjust(ctx context.Context, name string, delta int64) (int64, error) {
	if atomic.AddInt64(&s.calls, 1) == 1 {
		close(s.started)
		<-s.release
		return 0, fmt.Errorf("%w: flaky disk", store.ErrStorageUnavailable)
	}
	return s.Store.Adjust(ctx, name, delta)
}

func TestConcurrentRetriesAfterFailureApplyOnce(t *testing.T) {
	st := &failFirstAdjust{Store: store.NewMemory("client"), started: make(chan struct{}), release: make(chan struct{})}
	ts := httptest.NewServer(NewServer(st).Handler())
	defer ts.Close()

	post := func() int {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/counters/client/adjust", bytes.NewBufferString(`{"delta": 2}`))
		if err != nil {
			return -1
		}
		req.Header.Set(IdempotencyHeader, "retry-me")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return -1
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}

	first := make(chan int, 1)
	go func() { first <- post() }()
	<-st.started

	const retries = 5
	codes := make(chan int, retries)
	for i := 0; i < retries; i++ {
		go func() { codes <- post() }()
	}
	// let the retries queue up behind the first attempt
	time.Sleep(50 * time.Millisecond)
	close(st.release)

	require.Equal(t, http.StatusServiceUnavailable, <-first)
	for i := 0; i < retries; i++ {
		require.Equal(t, http.StatusOK, <-codes)
	}
	v, err := st.Read(context.Background(), "client")
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
	require.Equal(t, int64(2), atomic.LoadInt64(&st.calls))
}

func TestServerRejectsEmptyRecord(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.server.URL+"/records", "application/json", bytes.NewBufferString(`{"name": ""}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWatchPushesAdjustments(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan Update, 10)
	done := make(chan error, 1)
	go func() {
		done <- f.client.Watch(ctx, "client", func(u Update) { updates <- u })
	}()

	select {
	case u := <-updates:
		require.Equal(t, Update{Name: "client", Value: 0}, u)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial update")
	}

	_, err := f.client.ApplyDelta(context.Background(), "client", 5)
	require.NoError(t, err)
	_, err = f.client.ApplyDelta(context.Background(), "server", 1)
	require.NoError(t, err)

	select {
	case u := <-updates:
		require.Equal(t, Update{Name: "client", Value: 5}, u)
	case <-time.After(5 * time.Second):
		t.Fatal("no pushed update")
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestHubKeepsLatestValue(t *testing.T) {
	h := newHub()
	a := h.subscribe("a")
	b := h.subscribe("b")
	require.Equal(t, 2, h.size())

	h.publish("a", 1)
	h.publish("a", 2)
	h.publish("b", 3)

	require.Equal(t, Update{Name: "a", Value: 2}, <-a.updates)
	require.Equal(t, Update{Name: "b", Value: 3}, <-b.updates)
	require.Len(t, a.updates, 0)

	h.unsubscribe(a)
	h.unsubscribe(a)
	h.unsubscribe(b)
	require.Equal(t, 0, h.size())
}
