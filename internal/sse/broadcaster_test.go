package sse

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/banquet/internal/notify"
)

// BroadcasterSuite is a test suite for Broadcaster operations.
type BroadcasterSuite struct {
	suite.Suite
	broadcaster *Broadcaster
}

func (s *BroadcasterSuite) SetupTest() {
	s.broadcaster = NewBroadcaster()
}

func TestBroadcasterSuite(t *testing.T) {
	suite.Run(t, new(BroadcasterSuite))
}

// mockResponseWriter implements http.ResponseWriter and http.Flusher for testing.
type mockResponseWriter struct {
	header http.Header
	body   []byte
	err    error
	mu     sync.Mutex
}

func newMockResponseWriter() *mockResponseWriter {
	return &mockResponseWriter{header: make(http.Header)}
}

func (m *mockResponseWriter) Header() http.Header { return m.header }

func (m *mockResponseWriter) Write(data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.body = append(m.body, data...)
	return len(data), nil
}

func (m *mockResponseWriter) WriteHeader(int) {}

func (m *mockResponseWriter) Flush() {}

func (m *mockResponseWriter) Body() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.body)
}

// frames decodes every data frame written so far.
func (m *mockResponseWriter) frames() []Envelope {
	var out []Envelope
	for _, chunk := range strings.Split(m.Body(), "\n\n") {
		payload, ok := strings.CutPrefix(chunk, "data: ")
		if !ok {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(payload), &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

type plainWriter struct{ http.ResponseWriter }

func (s *BroadcasterSuite) TestAddAndRemoveClient() {
	client, err := s.broadcaster.AddClient(newMockResponseWriter())
	s.Require().NoError(err)
	s.NotEmpty(client.ID)
	s.Equal(1, s.broadcaster.ClientCount())

	s.broadcaster.RemoveClient(client)
	s.broadcaster.RemoveClient(client)
	s.Equal(0, s.broadcaster.ClientCount())

	select {
	case <-client.Done:
	default:
		s.Fail("Done channel should be closed")
	}
}

func (s *BroadcasterSuite) TestAddClient_RequiresFlusher() {
	_, err := s.broadcaster.AddClient(plainWriter{httptest.NewRecorder()})
	s.Error(err)
	s.Equal(0, s.broadcaster.ClientCount())
}

func (s *BroadcasterSuite) TestSend() {
	writers := make([]*mockResponseWriter, 3)
	for i := range writers {
		writers[i] = newMockResponseWriter()
		_, err := s.broadcaster.AddClient(writers[i])
		s.Require().NoError(err)
	}

	s.Equal(3, s.broadcaster.Send(TypePopupOpen, map[string]string{"id": "p1"}))

	for i, w := range writers {
		frames := w.frames()
		s.Require().Len(frames, 1, "client %d", i)
		s.Equal(TypePopupOpen, frames[0].Type)
		s.Equal(map[string]any{"id": "p1"}, frames[0].Data)
	}
}

func (s *BroadcasterSuite) TestSend_NoClients() {
	s.Equal(0, s.broadcaster.Send(TypeToast, nil))
}

func (s *BroadcasterSuite) TestSend_DropsBrokenClients() {
	good := newMockResponseWriter()
	bad := newMockResponseWriter()
	bad.err = errors.New("broken pipe")

	_, err := s.broadcaster.AddClient(good)
	s.Require().NoError(err)
	badClient, err := s.broadcaster.AddClient(bad)
	s.Require().NoError(err)

	s.Equal(1, s.broadcaster.Send(TypeToast, "x"))
	s.Equal(1, s.broadcaster.ClientCount())
	select {
	case <-badClient.Done:
	default:
		s.Fail("broken client should be closed")
	}
}

func (s *BroadcasterSuite) TestNotifierInterface() {
	w := newMockResponseWriter()
	_, err := s.broadcaster.AddClient(w)
	s.Require().NoError(err)

	var n notify.Notifier = s.broadcaster
	n.Notify(notify.Error("Popup blocked. Please allow popups for this site."))
	n.Emit(notify.Event{Name: notify.EventConnected, Connected: true})

	frames := w.frames()
	s.Require().Len(frames, 2)
	s.Equal(TypeToast, frames[0].Type)
	toast := frames[0].Data.(map[string]any)
	s.Equal("Popup blocked. Please allow popups for this site.", toast["message"])
	s.Equal("sticky", toast["mode"])
	s.Equal(notify.EventConnected, frames[1].Type)
	s.Equal(true, frames[1].Data.(map[string]any)["connected"])
}

func TestHandleSSE(t *testing.T) {
	b := NewBroadcaster()
	w := newMockResponseWriter()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.HandleSSE(w, req)
	}()

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(w.frames()) == 1 }, time.Second, 5*time.Millisecond)
	b.Send(TypePopupClose, map[string]string{"id": "p1"})

	cancel()
	<-done

	assert.Equal(t, 0, b.ClientCount())
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	frames := w.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, TypeHello, frames[0].Type)
	assert.Equal(t, TypePopupClose, frames[1].Type)
}

func TestConcurrentSend(t *testing.T) {
	b := NewBroadcaster()
	writers := make([]*mockResponseWriter, 10)
	for i := range writers {
		writers[i] = newMockResponseWriter()
		_, err := b.AddClient(writers[i])
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Send(TypeToast, map[string]int{"index": i})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, b.ClientCount())
	for _, w := range writers {
		assert.Len(t, w.frames(), 50)
	}
}
