package device

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-interview/internal/capability"
	"github.com/stemsi/exstem-interview/internal/model"
	ws "github.com/stemsi/exstem-interview/internal/websocket"
)

// fakeBrowser plays the page side of the link.
type fakeBrowser struct {
	conn *websocket.Conn

	writeMu  sync.Mutex
	mu       sync.Mutex
	handlers map[ws.MessageType]func(ws.Frame) *ws.ReplyData
	received []ws.Frame
}

func newLinkPair(t *testing.T, opts LinkOptions) (*Link, *fakeBrowser) {
	t.Helper()
	links := make(chan *Link, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		l := NewLink("sess-1", conn, opts, zerolog.Nop())
		links <- l
		l.Serve(context.Background())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	b := &fakeBrowser{conn: conn, handlers: make(map[ws.MessageType]func(ws.Frame) *ws.ReplyData)}
	go b.loop()

	l := <-links
	t.Cleanup(l.Close)
	return l, b
}

func (b *fakeBrowser) on(typ ws.MessageType, fn func(ws.Frame) *ws.ReplyData) {
	b.mu.Lock()
	b.handlers[typ] = fn
	b.mu.Unlock()
}

func (b *fakeBrowser) send(typ ws.MessageType, id string, data interface{}) {
	f, _ := ws.NewFrame(typ, id, data)
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.conn.WriteJSON(f)
}

func (b *fakeBrowser) loop() {
	for {
		var f ws.Frame
		if err := b.conn.ReadJSON(&f); err != nil {
			return
		}
		b.mu.Lock()
		b.received = append(b.received, f)
		fn := b.handlers[f.Type]
		b.mu.Unlock()

		if f.ID == "" {
			if fn != nil {
				fn(f)
			}
			continue
		}
		reply := &ws.ReplyData{}
		if fn != nil {
			if r := fn(f); r != nil {
				reply = r
			}
		}
		b.send(ws.TypeReply, f.ID, reply)
	}
}

func (b *fakeBrowser) count(typ ws.MessageType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, f := range b.received {
		if f.Type == typ {
			n++
		}
	}
	return n
}

func (b *fakeBrowser) hello(caps ws.Capabilities) {
	b.send(ws.TypeHello, "", ws.HelloData{Capabilities: caps})
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingListener) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recordingListener) HandleVisibility(hidden bool) {
	if hidden {
		r.add("hidden")
	} else {
		r.add("visible")
	}
}

func (r *recordingListener) HandleFocus(focused bool) {
	if focused {
		r.add("focus")
	} else {
		r.add("blur")
	}
}

func (r *recordingListener) HandleFullscreen(active bool) {
	if active {
		r.add("fullscreen")
	} else {
		r.add("windowed")
	}
}

func (r *recordingListener) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestLink_HelloMakesReady(t *testing.T) {
	l, b := newLinkPair(t, LinkOptions{})
	b.hello(ws.Capabilities{SpeechRecognition: true, Camera: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.WaitReady(ctx))
	assert.True(t, l.Recognizer().Available())
	assert.True(t, l.Capabilities().Camera)
}

func TestLink_CameraAcquireAndStop(t *testing.T) {
	l, b := newLinkPair(t, LinkOptions{})
	constraints := make(chan ws.CameraAcquireData, 1)
	b.on(ws.TypeCameraAcquire, func(f ws.Frame) *ws.ReplyData {
		var d ws.CameraAcquireData
		f.Decode(&d)
		constraints <- d
		return nil
	})

	stream, err := l.Acquire(context.Background(), capability.DefaultVideoConstraints)
	require.NoError(t, err)
	assert.Equal(t, ws.CameraAcquireData{IdealWidth: 1280, IdealHeight: 720}, <-constraints)

	stream.Stop()
	stream.Stop()
	require.Eventually(t, func() bool { return b.count(ws.TypeCameraStop) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, b.count(ws.TypeCameraStop))
}

func TestLink_CameraDenied(t *testing.T) {
	l, b := newLinkPair(t, LinkOptions{})
	b.on(ws.TypeCameraAcquire, func(ws.Frame) *ws.ReplyData {
		return &ws.ReplyData{Error: "Permission denied", Code: "permission_denied"}
	})

	_, err := l.Acquire(context.Background(), capability.DefaultVideoConstraints)
	require.Error(t, err)
	assert.ErrorIs(t, err, capability.ErrPermissionDenied)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, ws.TypeCameraAcquire, cmdErr.Command)
}

func TestLink_SpeakEndsOnSpeechEnd(t *testing.T) {
	l, b := newLinkPair(t, LinkOptions{})
	utterances := make(chan ws.SpeakData, 1)
	b.on(ws.TypeSpeechSpeak, func(f ws.Frame) *ws.ReplyData {
		var d ws.SpeakData
		f.Decode(&d)
		utterances <- d
		go b.send(ws.TypeSpeechEnd, "", ws.SpeechEndData{SpeechID: d.SpeechID})
		return nil
	})

	ended := make(chan struct{})
	err := l.Speak(context.Background(), "Tell me about yourself", capability.SpeakOptions{Rate: 0.9, Pitch: 1, Lang: "en-US"}, func() {
		close(ended)
	})
	require.NoError(t, err)

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("onEnd not called")
	}
	spoken := <-utterances
	assert.Equal(t, "Tell me about yourself", spoken.Text)
	assert.Equal(t, 0.9, spoken.Rate)
	assert.Equal(t, "en-US", spoken.Lang)
}

func TestLink_TranscriptsRoutedUntilStop(t *testing.T) {
	l, b := newLinkPair(t, LinkOptions{Lang: "en-US"})
	b.hello(ws.Capabilities{SpeechRecognition: true})
	require.NoError(t, l.WaitReady(context.Background()))

	var mu sync.Mutex
	var got []string
	require.NoError(t, l.Recognizer().Start(func(s string) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}))

	b.send(ws.TypeTranscript, "", ws.TranscriptData{Text: "I have"})
	b.send(ws.TypeTranscript, "", ws.TranscriptData{Text: "I have five years"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	l.Recognizer().Stop()
	b.send(ws.TypeTranscript, "", ws.TranscriptData{Text: "late"})
	require.Eventually(t, func() bool { return b.count(ws.TypeRecognitionStop) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"I have", "I have five years"}, got)
}

func TestLink_AudioPayloadArrivesAfterStop(t *testing.T) {
	l, b := newLinkPair(t, LinkOptions{})
	b.on(ws.TypeAudioStop, func(ws.Frame) *ws.ReplyData {
		go b.send(ws.TypeAudioData, "", ws.AudioData{Payload: "UklGRg=="})
		return nil
	})

	audio := l.Audio()
	require.NoError(t, audio.Start())
	assert.Empty(t, audio.Payload())
	audio.Stop()
	require.Eventually(t, func() bool { return audio.Payload() == "UklGRg==" }, time.Second, 5*time.Millisecond)

	require.NoError(t, audio.Start())
	assert.Empty(t, audio.Payload())
}

func TestLink_PageEventsForwarded(t *testing.T) {
	l, b := newLinkPair(t, LinkOptions{})
	rec := &recordingListener{}
	l.SetPageListener(rec)

	b.send(ws.TypeVisibility, "", ws.VisibilityData{Hidden: true})
	b.send(ws.TypeFocus, "", ws.FocusData{Focused: false})
	b.send(ws.TypeFullscreen, "", ws.FullscreenData{Active: false})

	require.Eventually(t, func() bool { return len(rec.all()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hidden", "blur", "windowed"}, rec.all())
	assert.False(t, l.IsFullscreen())
}

func TestLink_FullscreenState(t *testing.T) {
	l, b := newLinkPair(t, LinkOptions{})

	require.NoError(t, l.RequestFullscreen(context.Background()))
	assert.True(t, l.IsFullscreen())

	b.send(ws.TypeFullscreen, "", ws.FullscreenData{Active: false})
	require.Eventually(t, func() bool { return !l.IsFullscreen() }, time.Second, 5*time.Millisecond)

	require.NoError(t, l.ExitFullscreen())
	assert.Equal(t, 1, b.count(ws.TypeFullscreenExit))
}

func TestLink_AttentionSample(t *testing.T) {
	l, b := newLinkPair(t, LinkOptions{})
	b.on(ws.TypeAttentionSample, func(ws.Frame) *ws.ReplyData {
		raw, _ := json.Marshal(model.AttentionSample{FaceDetected: true, EyesOnScreen: true, AttentionScore: 87})
		return &ws.ReplyData{Result: raw}
	})

	s, err := l.Sample(context.Background())
	require.NoError(t, err)
	assert.True(t, s.FaceDetected)
	assert.Equal(t, 87, s.AttentionScore)
}

func TestLink_CommandTimeout(t *testing.T) {
	l, b := newLinkPair(t, LinkOptions{CommandTimeout: 30 * time.Millisecond})
	b.on(ws.TypeAttentionSample, func(ws.Frame) *ws.ReplyData {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	_, err := l.Sample(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLink_CloseReleasesSpeechAndCalls(t *testing.T) {
	l, _ := newLinkPair(t, LinkOptions{})

	ended := make(chan struct{})
	l.mu.Lock()
	l.speeches["pending"] = func() { close(ended) }
	l.mu.Unlock()

	l.Close()
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("pending speech not ended on close")
	}
	<-l.Done()

	_, err := l.Sample(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Notify(model.SessionSnapshot{}), ErrClosed)
}

func TestLink_UnknownFrameAnswersError(t *testing.T) {
	_, b := newLinkPair(t, LinkOptions{})
	b.send("bogus", "", nil)
	require.Eventually(t, func() bool { return b.count(ws.TypeError) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_AttachReplacesAndDetach(t *testing.T) {
	h := NewHub(zerolog.Nop())
	first, _ := newLinkPair(t, LinkOptions{})
	second, _ := newLinkPair(t, LinkOptions{})

	h.Attach(first)
	got, ok := h.Get("sess-1")
	require.True(t, ok)
	assert.Same(t, first, got)

	h.Attach(second)
	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced link not closed")
	}
	got, _ = h.Get("sess-1")
	assert.Same(t, second, got)

	h.Detach(first)
	assert.Equal(t, 1, h.Count())
	h.Detach(second)
	_, ok = h.Get("sess-1")
	assert.False(t, ok)
}
