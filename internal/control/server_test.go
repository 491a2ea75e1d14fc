package control

import (
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/lookout/internal/pipeline"
	"github.com/andresmejia3/lookout/internal/reid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type oneDescriptor struct{}

func (oneDescriptor) Extract(*image.Gray) ([]reid.Descriptor, error) {
	return []reid.Descriptor{{1, 2, 3}}, nil
}

func newTestServer(t *testing.T, limiter *rate.Limiter) (*Server, *reid.ReferenceStore, chan pipeline.Command, *httptest.Server) {
	t.Helper()
	store := reid.NewReferenceStore(oneDescriptor{}, reid.WithOutputDir(""))
	cmds := make(chan pipeline.Command, 1)
	s := New(store, cmds, limiter, nil)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, store, cmds, ts
}

func TestCapture_Queued(t *testing.T) {
	_, _, cmds, ts := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/capture", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	select {
	case c := <-cmds:
		if c != pipeline.CommandCapture {
			t.Errorf("command = %v, want capture", c)
		}
	default:
		t.Fatal("no command queued")
	}
}

func TestCapture_PendingRejected(t *testing.T) {
	_, _, _, ts := newTestServer(t, nil)

	codes := []int{}
	for i := 0; i < 2; i++ {
		resp, err := http.Post(ts.URL+"/capture", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusAccepted || codes[1] != http.StatusServiceUnavailable {
		t.Errorf("codes = %v, want [202 503]", codes)
	}
}

func TestCapture_RateLimited(t *testing.T) {
	_, _, cmds, ts := newTestServer(t, rate.NewLimiter(rate.Every(time.Hour), 1))

	resp, _ := http.Post(ts.URL+"/capture", "application/json", nil)
	resp.Body.Close()
	<-cmds

	resp, err := http.Post(ts.URL+"/capture", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	s, store, _, ts := newTestServer(t, nil)

	get := func() Status {
		resp, err := http.Get(ts.URL + "/status")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var st Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return st
	}

	if st := get(); st.HasReference || st.Scored {
		t.Errorf("initial status = %+v", st)
	}

	if _, err := store.Capture(image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	s.OnFrame(context.Background(), &pipeline.Report{Index: 5, Scored: true, Verdict: reid.Verdict{Score: 0.4, Matched: true}})

	st := get()
	if !st.HasReference || st.CapturedAt == nil {
		t.Errorf("expected reference in status: %+v", st)
	}
	if st.Frame != 5 || !st.Matched || st.Score != 0.4 {
		t.Errorf("status = %+v", st)
	}
}

func TestReferenceImage(t *testing.T) {
	_, store, _, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/reference.jpg")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	if _, err := store.Capture(image.NewRGBA(image.Rect(0, 0, 24, 16))); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Get(ts.URL + "/reference.jpg")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	img, err := jpeg.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 24 || img.Bounds().Dy() != 16 {
		t.Errorf("bounds = %v", img.Bounds())
	}
}

func TestClearReference(t *testing.T) {
	_, store, _, ts := newTestServer(t, nil)

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/reference", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := del(); code != http.StatusNotFound {
		t.Errorf("empty store: status = %d, want 404", code)
	}
	if _, err := store.Capture(image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	if code := del(); code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", code)
	}
	if store.HasReference() {
		t.Error("reference still present after DELETE")
	}
}

func TestWebsocketStream(t *testing.T) {
	s, _, _, ts := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered just after the handshake; keep
	// publishing until the first message arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				s.OnFrame(context.Background(), &pipeline.Report{Index: 9, Scored: true, Verdict: reid.Verdict{Score: 0.2, Matched: true}})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var st Status
	if err := json.Unmarshal(msg, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.Frame != 9 || !st.Matched {
		t.Errorf("streamed status = %+v", st)
	}
}
