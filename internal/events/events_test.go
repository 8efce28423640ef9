package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsake-ai/keepsake/pkg/types"
)

func TestFileSinkWatcherRoundtrip(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir, zerolog.Nop())

	var mu sync.Mutex
	var received []Event
	watcher := NewWatcher(dir, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, zerolog.Nop())

	// Events written before the watcher starts are drained on startup.
	scope := types.Scope{TenantID: "acme", PersonaID: "p"}
	sink.Emit(New("memory.write", scope, 100, map[string]interface{}{"id": float64(1)}))

	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	sink.Emit(New("memory.write", scope, 200, nil))

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("received %d events, want 2", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "memory.write", received[0].Name)
	assert.Equal(t, "acme", received[0].TenantID)
}

// The file sink and watcher bridge processes into the websocket hub: an
// event spooled to disk must reach a hub subscriber of the same tenant.
func TestWatcherFeedsHub(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir, zerolog.Nop())

	hub := NewHub(zerolog.Nop())
	defer hub.Close()
	sub := hub.subscribe("acme")
	defer hub.unsubscribe(sub)

	watcher := NewWatcher(dir, hub.Emit, zerolog.Nop())
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	scope := types.Scope{TenantID: "acme", PersonaID: "p"}
	sink.Emit(New("memory.write", scope, 100, nil))

	select {
	case e := <-sub.ch:
		assert.Equal(t, "memory.write", e.Name)
		assert.Equal(t, "acme", e.TenantID)
	case <-time.After(2 * time.Second):
		t.Fatal("spooled event never reached the hub subscriber")
	}
}

func TestFanout(t *testing.T) {
	var a, b recorder
	f := Fanout{&a, &b}

	f.Emit(Event{Name: "memory.write", TenantID: "t"})
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
	require.NoError(t, f.Close())
}

func TestHubTenantFiltering(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	defer hub.Close()

	acme := hub.subscribe("acme")
	globex := hub.subscribe("globex")
	defer hub.unsubscribe(acme)
	defer hub.unsubscribe(globex)

	hub.Emit(Event{Name: "memory.write", TenantID: "acme"})

	select {
	case e := <-acme.ch:
		assert.Equal(t, "acme", e.TenantID)
	case <-time.After(time.Second):
		t.Fatal("acme subscriber got nothing")
	}

	select {
	case e := <-globex.ch:
		t.Fatalf("globex subscriber leaked event %v", e)
	default:
	}
}

func TestHubSlowSubscriberDropsNotBlocks(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	defer hub.Close()

	sub := hub.subscribe("acme")
	defer hub.unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		// Well past the subscriber buffer; must never block.
		for i := 0; i < 100; i++ {
			hub.Emit(Event{Name: "memory.write", TenantID: "acme"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a slow subscriber")
	}
}

func TestWebhookEmitAfterClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, zerolog.Nop())
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	// A late emission is dropped, never a panic.
	sink.Emit(Event{Name: "memory.write", TenantID: "acme"})
}

func TestWebhookDelivers(t *testing.T) {
	got := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		if err := json.NewDecoder(r.Body).Decode(&e); err == nil {
			select {
			case got <- e:
			default:
			}
		}
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, zerolog.Nop())
	sink.Emit(Event{Name: "memory.write", TenantID: "acme"})
	require.NoError(t, sink.Close())

	select {
	case e := <-got:
		assert.Equal(t, "memory.write", e.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered to webhook endpoint")
	}
}

func TestBuildFactory(t *testing.T) {
	log := zerolog.Nop()

	sink, err := Build("none", "", "", log)
	require.NoError(t, err)
	assert.IsType(t, Noop{}, sink)

	sink, err = Build("file", t.TempDir(), "", log)
	require.NoError(t, err)
	assert.IsType(t, (*FileSink)(nil), sink)

	_, err = Build("file", "", "", log)
	assert.Error(t, err)

	_, err = Build("webhook", "", "", log)
	assert.Error(t, err)

	_, err = Build("carrier-pigeon", "", "", log)
	assert.Error(t, err)
}

type recorder struct {
	events []Event
}

func (r *recorder) Emit(e Event) { r.events = append(r.events, e) }
func (r *recorder) Close() error { return nil }
