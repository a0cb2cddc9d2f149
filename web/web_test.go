package web

import (
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jnb666/layerdump/dump"
	"github.com/jnb666/layerdump/img"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grayImage(size int, v uint8) image.Image {
	m := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			m.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return m
}

func writeImages(t *testing.T, dir string, layer, nchan, size int, v uint8) {
	for _, o := range dump.Groups(nchan) {
		require.NoError(t, img.SaveJPEG(filepath.Join(dir, dump.FileName(layer, o)), grayImage(size, v), 75))
	}
}

func testDir(t *testing.T) *DumpDir {
	dir := t.TempDir()
	writeImages(t, dir, 0, 7, 8, 0)
	writeImages(t, dir, 1, 4, 4, 255)
	d, err := OpenDumpDir(dir)
	require.NoError(t, err)
	return d
}

func TestDumpDir(t *testing.T) {
	d := testDir(t)
	require.Len(t, d.Layers, 2)
	l := d.Layer(0)
	require.NotNil(t, l)
	assert.Equal(t, []int{0, 3}, l.Offsets)
	assert.Equal(t, 8, l.Width)
	assert.Len(t, l.Images, 2)
	assert.InDelta(t, 0, l.Brightness.Mean, 0.02)
	assert.InDelta(t, 1, d.Layer(1).Brightness.Mean, 0.02)
	assert.Nil(t, d.Layer(5))

	changed, err := d.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
	writeImages(t, d.Dir, 2, 10, 2, 128)
	changed, err = d.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, d.Layers, 3)
	assert.Equal(t, []int{0, 3, 6}, d.Layer(2).Offsets)

	_, err = OpenDumpDir(filepath.Join(d.Dir, "missing"))
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	d := testDir(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan bool, 1)
	go d.Watch(ctx, 10*time.Millisecond, func() {
		select {
		case changed <- true:
		default:
		}
	})
	writeImages(t, d.Dir, 2, 4, 2, 128)
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload")
	}
	d.Lock()
	defer d.Unlock()
	assert.Len(t, d.Layers, 3)
}

func get(t *testing.T, h http.Handler, url string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", url, nil))
	return w
}

func TestRoutes(t *testing.T) {
	d := testDir(t)
	r, err := NewRouter(d, NewHub(), nil, 64)
	require.NoError(t, err)

	w := get(t, r, "/")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/layers/0", w.Header().Get("Location"))

	w = get(t, r, "/layers/0")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `src="/img/00_0000.jpg"`)
	assert.Contains(t, body, `src="/img/00_0003.jpg"`)
	assert.Contains(t, body, `href="/layers/1"`)
	assert.Contains(t, body, "<svg")

	assert.Equal(t, http.StatusNotFound, get(t, r, "/layers/7").Code)
	assert.Equal(t, http.StatusNotFound, get(t, r, "/layers/x").Code)

	w = get(t, r, "/img/01_0000.jpg")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusNotFound, get(t, r, "/img/notes.txt").Code)
	assert.Equal(t, http.StatusNotFound, get(t, r, "/img/09_0000.jpg").Code)
}

func TestAuth(t *testing.T) {
	_, err := Authenticator("static", "", "")
	assert.Error(t, err)
	_, err = Authenticator("ldap", "user", "pass")
	assert.Error(t, err)
	auth, err := Authenticator("static", "user", "secret")
	require.NoError(t, err)

	d := testDir(t)
	r, err := NewRouter(d, NewHub(), NewAuthMiddleware(auth), 64)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, get(t, r, "/layers/0").Code)

	req := httptest.NewRequest("GET", "/layers/0", nil)
	req.SetBasicAuth("user", "wrong")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("GET", "/layers/0", nil)
	req.SetBasicAuth("user", "secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	// session cookie is enough for later requests
	req = httptest.NewRequest("GET", "/img/00_0000.jpg", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebsocket(t *testing.T) {
	d := testDir(t)
	hub := NewHub()
	r, err := NewRouter(d, hub, nil, 64)
	require.NoError(t, err)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Connections() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(Message{Reload: true, Layers: 2})
	var msg Message
	conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, Message{Reload: true, Layers: 2}, msg)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Connections() == 0 }, time.Second, 10*time.Millisecond)
}
