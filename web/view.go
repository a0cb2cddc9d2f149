package web

import (
	"fmt"
	"html/template"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/jnb666/layerdump/dump"
	log "github.com/sirupsen/logrus"
)

const (
	plotWidth  = 800
	plotHeight = 300
)

// LayerPage has the handler functions to view the images for each layer.
type LayerPage struct {
	*Templates
	dir   *DumpDir
	width int
}

// template data for one request
type layerData struct {
	*Templates
	Dir   string
	Width int
	Layer *LayerInfo
	Plot  template.HTML
}

// Base data for handler functions, each image is displayed with the given width in pixels.
func NewLayerPage(t *Templates, dir *DumpDir, width int) *LayerPage {
	return &LayerPage{Templates: t, dir: dir, width: width}
}

// Handler function to redirect to the first layer
func (p *LayerPage) Index() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.dir.Lock()
		first := 0
		if len(p.dir.Layers) > 0 {
			first = p.dir.Layers[0].Index
		}
		p.dir.Unlock()
		http.Redirect(w, r, fmt.Sprintf("/layers/%d", first), http.StatusFound)
	}
}

// Handler function for the page with the grid of images for a layer
func (p *LayerPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(mux.Vars(r)["layer"])
		if err != nil {
			http.NotFound(w, r)
			return
		}
		p.dir.Lock()
		defer p.dir.Unlock()
		data := layerData{Templates: p.Clone(), Dir: p.dir.Dir, Width: p.width, Layer: p.dir.Layer(index)}
		if data.Layer == nil && len(p.dir.Layers) > 0 {
			http.NotFound(w, r)
			return
		}
		for _, l := range p.dir.Layers {
			data.AddMenuItem(Link{Name: strconv.Itoa(l.Index), Url: fmt.Sprintf("/layers/%d", l.Index)})
		}
		data.Select(fmt.Sprintf("/layers/%d", index))
		data.Heading = template.HTML(fmt.Sprintf("%s: %d layers", template.HTMLEscapeString(p.dir.Dir), len(p.dir.Layers)))
		if len(p.dir.Layers) > 1 {
			if data.Plot, err = p.dir.Plot(plotWidth, plotHeight); err != nil {
				log.Warn(err)
			}
		}
		p.Exec(w, "layers", data)
	}
}

// Handler function to serve one image file
func (p *LayerPage) Image() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if _, _, ok := dump.ParseName(name); !ok {
			log.Debugf("image: invalid name %q", name)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFile(w, r, filepath.Join(p.dir.Dir, name))
	}
}

// NewRouter sets up the routes for the viewer. If auth is not nil then requests need to be authenticated.
func NewRouter(dir *DumpDir, hub *Hub, auth *AuthMiddleware, width int) (*mux.Router, error) {
	t, err := NewTemplates()
	if err != nil {
		return nil, err
	}
	page := NewLayerPage(t, dir, width)
	r := mux.NewRouter()
	r.HandleFunc("/", page.Index())
	r.HandleFunc("/layers/{layer:[0-9]+}", page.Base())
	r.HandleFunc("/img/{name}", page.Image())
	r.HandleFunc("/ws", hub.Websocket())
	if auth != nil {
		r.Use(auth.Middleware)
	}
	return r, nil
}
