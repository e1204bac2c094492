package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/FocuswithJustin/Glossa/core/cache"
	"github.com/FocuswithJustin/Glossa/core/dom"
	"github.com/FocuswithJustin/Glossa/core/errors"
	"github.com/FocuswithJustin/Glossa/core/pipeline"
	"github.com/FocuswithJustin/Glossa/core/rules"
	"github.com/FocuswithJustin/Glossa/core/tooltip"
	"github.com/FocuswithJustin/Glossa/internal/logging"
	"github.com/FocuswithJustin/Glossa/internal/snapshot"
	"github.com/FocuswithJustin/Glossa/internal/validation"
)

// Config wires a preview server to its rules and initial document.
type Config struct {
	// Host and Port form the listen address. Defaults: 127.0.0.1:8457.
	Host string
	Port int

	// Rules is the compiled pattern source. Required.
	Rules *rules.RuleSet

	// DocumentPath is an optional document to load at startup. Watch
	// handlers or SetDocument can load and replace documents later.
	DocumentPath string

	// AllowedOrigins restricts CORS and the websocket handshake.
	// Empty allows any origin, which suits a local preview.
	AllowedOrigins []string

	// Caps configures tooltip event mapping. Zero means tooltip.Detect(true).
	Caps tooltip.Capabilities

	// Pipeline tuning, passed through. Zero values mean the defaults.
	ChunkSize int
	Debounce  time.Duration
	MaxWait   time.Duration
	CacheSize int

	// InstanceID distinguishes companion ids. Empty means a random id.
	InstanceID string
}

// Server converts one document at a time and mirrors it to browsers:
// every re-render goes out over the hub, and tooltip interactions come
// back in to drive the controller.
type Server struct {
	cfg     Config
	caps    tooltip.Capabilities
	hub     *Hub
	renders *cache.RenderCache
	seq     atomic.Uint64

	mu         sync.Mutex
	rules      *rules.RuleSet
	p          *pipeline.Pipeline
	stopPipe   context.CancelFunc
	pipeDone   chan struct{}
	lastRender string
	sourceHash string
	docName    string
}

// New creates a preview server. Run starts it; tests can serve Handler
// directly and run Hub themselves.
func New(cfg Config) (*Server, error) {
	if cfg.Rules == nil {
		return nil, errors.NewValidation("rules", "rule set is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8457
	}
	caps := cfg.Caps
	if caps == (tooltip.Capabilities{}) {
		caps = tooltip.Detect(true)
	}

	s := &Server{
		cfg:     cfg,
		caps:    caps,
		renders: cache.NewDefaultRenderCache(),
		rules:   cfg.Rules,
	}
	s.hub = NewHub(HubConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		OnEvent:        s.handleEvent,
	})
	return s, nil
}

// Hub returns the websocket hub so callers can run it on their own context.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves until the context is canceled. The initial document, if
// configured, is loaded before the listener starts.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)
	defer s.closePipeline()

	if s.cfg.DocumentPath != "" {
		if err := s.LoadDocument(s.cfg.DocumentPath); err != nil {
			return err
		}
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.ServerStartup("preview", "http", s.cfg.Port,
		"document", s.cfg.DocumentPath,
		"rules_version", s.currentRules().Version())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler returns the route tree behind the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/document", s.handleDocument)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.hub.Handler())

	var handler http.Handler = SecurityHeadersWithCSP(PreviewCSPConfig(), mux)
	handler = CORSMiddleware(CORSConfig{AllowedOrigins: s.cfg.AllowedOrigins}, handler)
	handler = TimingMiddleware(handler)
	return logging.CombinedMiddleware(handler)
}

// LoadDocument reads, validates and converts a document file, replacing
// the active one.
func (s *Server) LoadDocument(path string) error {
	if err := validation.ValidatePath(path); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	if err := validation.ValidateSize(int64(len(data)), validation.MaxDocumentSize); err != nil {
		return err
	}
	if _, err := validation.ValidateFileType(bytes.NewReader(data), filepath.Base(path)); err != nil {
		return err
	}
	return s.SetDocument(data, filepath.Base(path))
}

// SetDocument replaces the active document with a new one built from raw
// HTML. The previous pipeline is shut down, a fresh one starts, and the
// first completed pass is broadcast. A cached render for the same source
// and rules goes out immediately as a provisional view.
func (s *Server) SetDocument(data []byte, name string) error {
	name, err := validation.SanitizeFilename(name)
	if err != nil {
		return fmt.Errorf("invalid document name: %w", err)
	}
	if err := validation.ValidateSize(int64(len(data)), validation.MaxDocumentSize); err != nil {
		return err
	}
	doc, err := dom.Parse(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse document: %w", err)
	}

	rs := s.currentRules()
	p, err := pipeline.New(pipeline.Config{
		Document:   doc,
		Rules:      rs,
		ChunkSize:  s.cfg.ChunkSize,
		Debounce:   s.cfg.Debounce,
		MaxWait:    s.cfg.MaxWait,
		CacheSize:  s.cfg.CacheSize,
		Caps:       s.caps,
		InstanceID: s.cfg.InstanceID,
	})
	if err != nil {
		return err
	}

	sourceHash := snapshot.Hash(data)
	key := renderKey(sourceHash, rs.Version())
	if cached, ok := s.renders.Get(key); ok {
		s.setRender(string(cached))
		s.hub.BroadcastDocument(string(cached), s.seq.Add(1))
	}

	s.closePipeline()

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.p = p
	s.stopPipe = cancel
	s.pipeDone = done
	s.sourceHash = sourceHash
	s.docName = name
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := p.Run(runCtx); err != nil {
			logging.Error("pipeline stopped", "error", err, "document", name)
		}
	}()
	go s.announce(p, key, 1)

	logging.Info("document loaded", "document", name,
		"bytes", len(data), "source_hash", sourceHash[:12])
	return nil
}

// ApplyRules swaps the rule set on the active pipeline and broadcasts the
// re-converted document.
func (s *Server) ApplyRules(rs *rules.RuleSet) error {
	if rs == nil {
		return errors.NewValidation("rules", "rule set is required")
	}
	s.mu.Lock()
	s.rules = rs
	p := s.p
	sourceHash := s.sourceHash
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	passes := p.Stats().Passes
	if !p.Reload(rs) {
		return errors.ErrClosed
	}
	go s.announce(p, renderKey(sourceHash, rs.Version()), passes+1)
	logging.Info("rules applied", "version", rs.Version(), "rules", rs.Len())
	return nil
}

// Close shuts down the active pipeline.
func (s *Server) Close() {
	s.closePipeline()
}

func (s *Server) currentRules() *rules.RuleSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules
}

func (s *Server) pipeline() *pipeline.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p
}

func (s *Server) closePipeline() {
	s.mu.Lock()
	p, cancel, done := s.p, s.stopPipe, s.pipeDone
	s.p, s.stopPipe, s.pipeDone = nil, nil, nil
	s.mu.Unlock()

	if p == nil {
		return
	}
	cancel()
	p.Close()
	if done != nil {
		<-done
	}
}

func (s *Server) setRender(rendered string) {
	s.mu.Lock()
	s.lastRender = rendered
	s.mu.Unlock()
}

func (s *Server) currentRender() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRender
}

// announce waits for the pipeline to complete minPasses and then renders,
// caches and broadcasts the converted document. It abandons quietly when
// the pipeline has been replaced in the meantime.
func (s *Server) announce(p *pipeline.Pipeline, key string, minPasses int) {
	deadline := time.Now().Add(10 * time.Second)
	for p.Stats().Passes < minPasses {
		if time.Now().After(deadline) || s.pipeline() != p {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	rendered, err := s.render(p)
	if err != nil {
		logging.Error("render failed", "error", err)
		s.hub.BroadcastError("render failed: " + err.Error())
		return
	}
	s.setRender(rendered)
	s.renders.Put(key, []byte(rendered))
	s.hub.BroadcastDocument(rendered, s.seq.Add(1))

	stats := p.Stats()
	logging.WalkerPass("document", stats.Walk.Visited, stats.Walk.Converted, stats.Walk.Chunks,
		"wrappers", stats.Walk.Wrappers)
}

// render serializes the document on the pipeline's loop goroutine, the
// only place the tree may be read while the pipeline runs.
func (s *Server) render(p *pipeline.Pipeline) (string, error) {
	type result struct {
		rendered string
		err      error
	}
	ch := make(chan result, 1)
	if !p.Do(func() {
		rendered, err := p.Document().RenderString()
		ch <- result{rendered, err}
	}) {
		return "", errors.ErrClosed
	}
	select {
	case r := <-ch:
		return r.rendered, r.err
	case <-time.After(5 * time.Second):
		return "", fmt.Errorf("render timed out")
	}
}

// handleEvent replays one browser interaction against the tooltip
// controller and broadcasts the resulting document state.
func (s *Server) handleEvent(evt ClientEvent) {
	if evt.Type != "tooltip" {
		return
	}
	name := LimitStringLength(SanitizeUserInput(evt.Event), 64)
	kind, ok := s.caps.KindOf(name)
	if !ok {
		logging.Debug("ignoring unknown tooltip event", "event", name)
		return
	}
	id := evt.Target
	if id != "" && !ValidateIdentifier(id) {
		logging.SecurityEvent("tooltip_target_rejected", "preview", "target", LimitStringLength(id, 64))
		return
	}
	key := LimitStringLength(SanitizeUserInput(evt.Key), 32)

	p := s.pipeline()
	if p == nil {
		return
	}
	p.Do(func() {
		var target *html.Node
		if id != "" {
			if n, err := p.Document().QueryFirst(fmt.Sprintf("//*[@id='%s']", id)); err == nil {
				target = n
			}
		}
		p.Tooltip().Handle(tooltip.Event{Kind: kind, Target: target, Key: key})

		rendered, err := p.Document().RenderString()
		if err != nil {
			logging.Error("render after tooltip event failed", "error", err)
			return
		}
		s.setRender(rendered)
		s.hub.BroadcastDocument(rendered, s.seq.Add(1))
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	doc := s.currentRender()
	if doc == "" {
		doc = placeholderPage
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(s.injectClient(doc)))
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc := s.currentRender()
	if doc == "" {
		http.Error(w, "no document loaded", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(doc))
}

// StatsSnapshot is the /stats payload.
type StatsSnapshot struct {
	Document     string         `json:"document,omitempty"`
	SourceHash   string         `json:"source_hash,omitempty"`
	RulesVersion string         `json:"rules_version"`
	Clients      int            `json:"clients"`
	TooltipPhase string         `json:"tooltip_phase,omitempty"`
	Pipeline     pipeline.Stats `json:"pipeline"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	snap := StatsSnapshot{
		Document:     s.docName,
		SourceHash:   s.sourceHash,
		RulesVersion: s.rules.Version(),
		Clients:      s.hub.ClientCount(),
	}
	p := s.p
	s.mu.Unlock()

	if p != nil {
		snap.Pipeline = p.Stats()
		snap.TooltipPhase = p.Tooltip().Phase().String()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// injectClient inserts the preview client script before </body>, or
// appends it when the markup has no body close tag.
func (s *Server) injectClient(doc string) string {
	script := s.clientScript()
	if i := strings.LastIndex(doc, "</body>"); i >= 0 {
		return doc[:i] + script + doc[i:]
	}
	return doc + script
}

func (s *Server) clientScript() string {
	capsJSON, _ := json.Marshal(map[string]string{
		"enter": s.caps.Enter,
		"leave": s.caps.Leave,
		"focus": s.caps.Focus,
		"blur":  s.caps.Blur,
		"press": s.caps.Press,
		"key":   s.caps.Key,
	})
	return strings.Replace(previewClientScript, "__CAPS__", string(capsJSON), 1)
}

func renderKey(sourceHash, version string) string {
	return sourceHash + "|" + version
}

const placeholderPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>glossa preview</title></head>
<body><p>Waiting for a document…</p></body>
</html>`

// previewClientScript mirrors the converted document into the page and
// forwards tooltip interactions to the server. Enter/leave events do not
// bubble, so wrapper boundary crossings are detected from over/out pairs.
const previewClientScript = `<script>
(function () {
  "use strict";
  var caps = __CAPS__;
  var ws = null;

  function wrapperOf(node) {
    while (node && node.nodeType === 1) {
      if (node.hasAttribute("data-glossa-original")) { return node; }
      node = node.parentElement;
    }
    return null;
  }

  function send(event, target, key) {
    if (!ws || ws.readyState !== 1) { return; }
    ws.send(JSON.stringify({ type: "tooltip", event: event, target: target || "", key: key || "" }));
  }

  function tipId(wrapper) {
    return wrapper ? wrapper.getAttribute("aria-describedby") : "";
  }

  var over = caps.enter === "mouseenter" ? "mouseover" : "pointerover";
  var out = caps.leave === "mouseleave" ? "mouseout" : "pointerout";

  document.addEventListener(over, function (e) {
    var to = wrapperOf(e.target), from = wrapperOf(e.relatedTarget);
    if (to && to !== from) { send(caps.enter, tipId(to)); }
  }, true);

  document.addEventListener(out, function (e) {
    var from = wrapperOf(e.target), to = wrapperOf(e.relatedTarget);
    if (from && from !== to) { send(caps.leave, tipId(from)); }
  }, true);

  document.addEventListener("focusin", function (e) {
    var w = wrapperOf(e.target);
    if (w) { send(caps.focus, tipId(w)); }
  }, true);

  document.addEventListener("focusout", function (e) {
    var w = wrapperOf(e.target);
    if (w) { send(caps.blur, tipId(w)); }
  }, true);

  document.addEventListener(caps.press, function (e) {
    send(caps.press, tipId(wrapperOf(e.target)));
  }, true);

  document.addEventListener("keydown", function (e) {
    send(caps.key, "", e.key);
  }, true);

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    ws = new WebSocket(proto + location.host + "/ws");
    ws.onmessage = function (evt) {
      evt.data.split("\n").forEach(function (line) {
        if (!line) { return; }
        var msg = JSON.parse(line);
        if (msg.type === "document") {
          var parsed = new DOMParser().parseFromString(msg.html, "text/html");
          document.body.replaceWith(parsed.body);
        }
      });
    };
    ws.onclose = function () { setTimeout(connect, 1000); };
  }
  connect();
})();
</script>`
