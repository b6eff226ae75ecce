// Package postcard renders the outbound HTML body: a layout template
// picked by image orientation, merged with the message text and a
// resolved image.
package postcard

import (
	"bytes"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"text/template"

	// Register decoders for orientation probing.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/cartolane/cartolane/internal/model"
)

const (
	templateLandscape = "templates/postcard-landscape.html"
	templatePortrait  = "templates/postcard-portrait.html"

	// Fixed pool of bundled fallback images.
	defaultPoolSize = 9
)

// ImageContentID is the cid the templates reference for the inline image.
const ImageContentID = "postcardImage"

// Postcard is the resolved image choice for one rendering.
type Postcard struct {
	Filename  string
	Landscape bool
}

// Rendered is the finished artifact handed to the delivery channel.
type Rendered struct {
	HTML      string
	Postcard  Postcard
	ImageData []byte
}

type templateData struct {
	ImageURL  string
	MainText  string
	SmallNote string
}

// Renderer caches parsed templates and image orientations. Both caches
// are construct-once per key: templates never change at runtime and
// orientation never changes for a static asset.
type Renderer struct {
	assets fs.FS

	mu          sync.Mutex
	templates   map[string]*template.Template
	orientation map[string]bool
}

// NewRenderer builds a renderer over the assets filesystem, which holds
// templates/ and the postcards/ default pool.
func NewRenderer(assets fs.FS) *Renderer {
	return &Renderer{
		assets:      assets,
		templates:   make(map[string]*template.Template),
		orientation: make(map[string]bool),
	}
}

// Render produces the HTML body for one request. The message is stored
// pre-escaped, so templates substitute it verbatim.
func (r *Renderer) Render(req *model.EmailRequest, smallNote string) (*Rendered, error) {
	pc, data, err := r.resolvePostcard(req)
	if err != nil {
		return nil, fmt.Errorf("resolve postcard: %w", err)
	}

	path := templatePortrait
	if pc.Landscape {
		path = templateLandscape
	}

	tmpl, err := r.loadTemplate(path, req.ID.String())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, templateData{
		ImageURL:  "cid:" + ImageContentID,
		MainText:  req.Message,
		SmallNote: smallNote,
	})
	if err != nil {
		return nil, fmt.Errorf("execute template %s: %w", path, err)
	}

	return &Rendered{HTML: buf.String(), Postcard: pc, ImageData: data}, nil
}

// resolvePostcard picks the image: the requested path when it exists,
// otherwise a random member of the default pool. Orientation is decoded
// once per distinct path and cached.
func (r *Renderer) resolvePostcard(req *model.EmailRequest) (Postcard, []byte, error) {
	var filename string

	if req.ImagePath != "" {
		candidate := strings.TrimPrefix(req.ImagePath, "/")
		if _, err := fs.Stat(r.assets, candidate); err == nil {
			filename = candidate
		} else {
			slog.Warn("postcard_image_fallback",
				"request_id", req.ID, "requested", candidate)
		}
	}

	if filename == "" {
		filename = fmt.Sprintf("postcards/postcard-%d.png", rand.Intn(defaultPoolSize))
	}

	data, err := fs.ReadFile(r.assets, filename)
	if err != nil {
		return Postcard{}, nil, fmt.Errorf("image not found: %s: %w", filename, err)
	}

	landscape, err := r.orientationOf(filename, data, req.ID.String())
	if err != nil {
		return Postcard{}, nil, err
	}
	return Postcard{Filename: filename, Landscape: landscape}, data, nil
}

func (r *Renderer) orientationOf(filename string, data []byte, requestID string) (bool, error) {
	r.mu.Lock()
	landscape, ok := r.orientation[filename]
	r.mu.Unlock()
	if ok {
		return landscape, nil
	}

	slog.Info("postcard_image_probe", "request_id", requestID, "image", filename)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("decode image %s: %w", filename, err)
	}
	landscape = cfg.Width >= cfg.Height

	r.mu.Lock()
	r.orientation[filename] = landscape
	r.mu.Unlock()
	return landscape, nil
}

func (r *Renderer) loadTemplate(path, requestID string) (*template.Template, error) {
	r.mu.Lock()
	tmpl, ok := r.templates[path]
	r.mu.Unlock()
	if ok {
		return tmpl, nil
	}

	slog.Info("postcard_template_load", "request_id", requestID, "template", path)
	raw, err := fs.ReadFile(r.assets, path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}
	tmpl, err = template.New(path).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}

	r.mu.Lock()
	r.templates[path] = tmpl
	r.mu.Unlock()
	return tmpl, nil
}

// InvalidateImage evicts one cached orientation, for when an asset is
// replaced in place.
func (r *Renderer) InvalidateImage(filename string) {
	r.mu.Lock()
	delete(r.orientation, filename)
	r.mu.Unlock()
}

// InvalidateTemplates clears the template cache.
func (r *Renderer) InvalidateTemplates() {
	r.mu.Lock()
	r.templates = make(map[string]*template.Template)
	r.mu.Unlock()
}
