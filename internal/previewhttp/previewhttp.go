// Package previewhttp exposes the read-only dashboard surface: session
// listing, status, a Server-Sent-Events status feed, an animated GIF
// preview, and single-frame access. It never writes session state and
// never modifies the artifact directory except for the cached preview.
package previewhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	ximgdraw "golang.org/x/image/draw"

	"github.com/nyxvid/vidrelay/internal/statestore"
)

const (
	maxPreviewFrames = 30
	previewWidth     = 320
)

type Server struct {
	store       *statestore.Store
	artifactDir string
	gifDir      string
}

func New(store *statestore.Store, dataDir string) *Server {
	return &Server{
		store:       store,
		artifactDir: filepath.Join(dataDir, "frames"),
		gifDir:      filepath.Join(dataDir, "gifs"),
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/session/{id}/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/session/{id}/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/session/{id}/preview.gif", s.handlePreviewGIF).Methods(http.MethodGet)
	r.HandleFunc("/session/{id}/frame/{n}", s.handleFrame).Methods(http.MethodGet)
	return r
}

type summary struct {
	SessionID       string `json:"session_id"`
	Status          string `json:"status"`
	ProcessingType  string `json:"processing_type"`
	VideoName       string `json:"video_name"`
	TotalFrames     int    `json:"total_frames"`
	FramesProcessed int    `json:"frames_processed"`
	FPS             string `json:"fps"`
	CurrentFPS      string `json:"current_fps"`
	ETASeconds      string `json:"eta_seconds"`
}

func (s *Server) summarize(ctx context.Context, id string) (summary, bool) {
	fields, ok := s.store.GetAll(ctx, id)
	if !ok {
		return summary{}, false
	}
	total, _ := strconv.Atoi(fields["total_frames"])
	processed, _ := strconv.Atoi(fields["frames_processed"])
	if processed == 0 {
		// Fall back to counting artifacts on disk when the state store
		// has not received a progress tick yet, mirroring the
		// reference's filesystem fallback in preview_server.py.
		processed = s.countArtifacts(id)
	}
	return summary{
		SessionID:       id,
		Status:          fields["status"],
		ProcessingType:  fields["processing_type"],
		VideoName:       fields["video_name"],
		TotalFrames:     total,
		FramesProcessed: processed,
		FPS:             fields["fps"],
		CurrentFPS:      fields["current_fps"],
		ETASeconds:      fields["eta_seconds"],
	}, true
}

func (s *Server) countArtifacts(id string) int {
	entries, err := os.ReadDir(filepath.Join(s.artifactDir, id))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".png" {
			n++
		}
	}
	return n
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.Scan(r.Context())
	if err != nil {
		http.Error(w, "scan failed", http.StatusInternalServerError)
		return
	}
	summaries := make([]summary, 0, len(ids))
	for _, id := range ids {
		if sum, ok := s.summarize(r.Context(), id); ok {
			summaries = append(summaries, sum)
		}
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].SessionID < summaries[j].SessionID })
	writeJSON(w, summaries)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sum, ok := s.summarize(r.Context(), id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, sum)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			sum, ok := s.summarize(r.Context(), id)
			if !ok {
				return
			}
			body, _ := json.Marshal(sum)
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", body)
			flusher.Flush()
			if sum.Status == "completed" || sum.Status == "failed" {
				return
			}
		}
	}
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, n := vars["id"], vars["n"]
	idx, err := strconv.Atoi(n)
	if err != nil {
		http.Error(w, "bad frame index", http.StatusBadRequest)
		return
	}
	path := filepath.Join(s.artifactDir, id, fmt.Sprintf("frame_%06d.png", idx))
	http.ServeFile(w, r, path)
}

func (s *Server) handlePreviewGIF(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cachePath := filepath.Join(s.gifDir, id+".gif")

	if _, err := os.Stat(cachePath); err == nil {
		http.ServeFile(w, r, cachePath)
		return
	}

	if err := s.buildPreviewGIF(id, cachePath); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("previewhttp: failed to build preview gif")
		http.Error(w, "preview unavailable", http.StatusServiceUnavailable)
		return
	}
	http.ServeFile(w, r, cachePath)
}

func (s *Server) buildPreviewGIF(id, cachePath string) error {
	dir := filepath.Join(s.artifactDir, id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".png" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return fmt.Errorf("no frames available yet")
	}

	sample := evenlySample(names, maxPreviewFrames)

	if err := os.MkdirAll(s.gifDir, 0o755); err != nil {
		return err
	}
	tmp := cachePath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer f.Close()

	g := &gif.GIF{}
	for _, name := range sample {
		img, err := loadPNG(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		small := downscale(img, previewWidth)
		paletted := image.NewPaletted(small.Bounds(), palette.Plan9)
		draw.Draw(paletted, paletted.Rect, small, small.Bounds().Min, draw.Src)
		g.Image = append(g.Image, paletted)
		g.Delay = append(g.Delay, 10)
	}
	if len(g.Image) == 0 {
		return fmt.Errorf("no decodable frames")
	}
	g.LoopCount = 0
	if err := gif.EncodeAll(f, g); err != nil {
		return err
	}
	f.Close()
	return os.Rename(tmp, cachePath)
}

func evenlySample(names []string, max int) []string {
	if len(names) <= max {
		return names
	}
	out := make([]string, 0, max)
	step := float64(len(names)) / float64(max)
	for i := 0; i < max; i++ {
		out = append(out, names[int(float64(i)*step)])
	}
	return out
}

func loadPNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return png.Decode(f)
}

func downscale(src image.Image, width int) image.Image {
	b := src.Bounds()
	if b.Dx() <= width {
		return src
	}
	height := b.Dy() * width / b.Dx()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	ximgdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, ximgdraw.Over, nil)
	return dst
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
