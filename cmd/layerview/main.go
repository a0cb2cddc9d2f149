// Layerview serves the images written by layerdump as web pages which reload when the directory changes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jnb666/layerdump/nnet"
	"github.com/jnb666/layerdump/web"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	exe, _ := os.Executable()
	dir := flag.String("dir", filepath.Join(filepath.Dir(exe), "layer_outputs"), "directory with layer images")
	addr := flag.String("addr", ":8080", "address to listen on")
	width := flag.Int("width", 112, "display width of each image")
	poll := flag.Duration("poll", time.Second, "interval to check for changes")
	auth := flag.String("auth", "", "authentication method: static or pam")
	user := flag.String("user", "", "user name for static auth")
	pass := flag.String("pass", os.Getenv("LAYERVIEW_PASSWORD"), "password for static auth")
	debug := flag.Int("debug", 0, "debug logging level")
	flag.Parse()
	nnet.SetLogLevel(*debug)

	d, err := web.OpenDumpDir(*dir)
	nnet.CheckErr(err)
	var mw *web.AuthMiddleware
	if *auth != "" {
		fn, err := web.Authenticator(*auth, *user, *pass)
		nnet.CheckErr(err)
		mw = web.NewAuthMiddleware(fn)
	}
	hub := web.NewHub()
	r, err := web.NewRouter(d, hub, mw, *width)
	nnet.CheckErr(err)

	go d.Watch(context.Background(), *poll, func() {
		d.Lock()
		n := len(d.Layers)
		d.Unlock()
		log.Infof("%s changed: %d layers", *dir, n)
		hub.Broadcast(web.Message{Reload: true, Layers: n})
	})
	fmt.Printf("serving %s at http://localhost%s\n", *dir, *addr)
	nnet.CheckErr(http.ListenAndServe(*addr, r))
}
