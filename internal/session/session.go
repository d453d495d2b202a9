// Package session implements the persistent bidirectional stream
// protocol (spec §4.11): each inbound text frame is a JSON Project (or
// an RFC 6902 patch against the previously ingested one); each gets
// run through the full orchestrator pipeline in strict arrival order,
// and the response carries the PDF plus a blobs map of newly ingested
// binary files the peer may reference by hash in subsequent messages.
// Grounded in the teacher's cmd/fanout Client readPump/writePump, here
// adapted from server-push broadcast to a per-connection full-duplex
// request/response loop.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tachyontex/service/internal/blobstore"
	"github.com/tachyontex/service/internal/logger"
	"github.com/tachyontex/service/internal/models"
	"github.com/tachyontex/service/internal/orchestrator"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 64 << 20 // a session message may carry a full Project with binaries
)

// wireFile mirrors the three FileContent variants over the wire
// (spec §4.8.3 / §9): a plain string is Text, {"base64": ...} is
// Binary, {"type": "hash", "value": hex} is HashRef.
type wireFile struct {
	Text   *string `json:"-"`
	Base64 string  `json:"base64,omitempty"`
	Type   string  `json:"type,omitempty"`
	Value  string  `json:"value,omitempty"`
}

type wireProject struct {
	Main  string                     `json:"main,omitempty"`
	Files map[string]json.RawMessage `json:"files"`
}

type patchMessage struct {
	Patch json.RawMessage `json:"patch"`
}

type successResponse struct {
	Type          string            `json:"type"`
	CompileTimeMs int64             `json:"compile_time_ms"`
	PDF           string            `json:"pdf"`
	Blobs         map[string]string `json:"blobs"`
}

type errorResponse struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Logs    string `json:"logs,omitempty"`
	Details string `json:"details,omitempty"`
}

// Compiler is the subset of *orchestrator.Orchestrator a Session
// drives; defined locally so session can be unit tested against a
// fake. blobs is threaded through explicitly so HashRef entries
// resolve against the session's own BlobStore, not the process-wide
// one (spec §3, §4.1).
type Compiler interface {
	Compile(ctx context.Context, p *models.Project, blobs *blobstore.Store) (*orchestrator.Result, error)
}

// Session is one streaming connection's state (spec §3): the last
// successfully ingested Project and a per-session BlobStore. Hashes
// announced to the peer are not tracked separately; a HashRef resolves
// whenever its blob is present in the session BlobStore.
type Session struct {
	ID        string
	conn      *websocket.Conn
	compiler  Compiler
	blobs     *blobstore.Store
	lastKnown *models.Project
	log       *logger.Logger
}

// New wraps an upgraded websocket connection as a Session. blobCapBytes
// bounds the session's own BlobStore, distinct from the process-wide
// store (spec §4.2 default 64 MiB per session).
func New(conn *websocket.Conn, compiler Compiler, blobCapBytes int64, log *logger.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:       id,
		conn:     conn,
		compiler: compiler,
		blobs:    blobstore.NewStore(blobCapBytes),
		log:      log.WithSessionID(id),
	}
}

// Serve runs the session's read loop until the peer disconnects.
// Messages are processed strictly in arrival order: the loop never
// reads the next frame until the current one's response has been
// written (spec §5).
func (s *Session) Serve(ctx context.Context) {
	defer s.conn.Close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := s.startPingLoop()
	defer close(stopPing)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if s.log != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("session: read error", "error", err)
			}
			return
		}

		resp := s.handleMessage(ctx, raw)
		if err := s.writeJSON(resp); err != nil {
			if s.log != nil {
				s.log.Warn("session: write error", "error", err)
			}
			return
		}
	}
}

func (s *Session) startPingLoop() chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
	return stop
}

func (s *Session) writeJSON(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, body)
}

// handleMessage resolves a single inbound frame into a Project
// (either a full wireProject or a patch against the session's last
// known one), ingests any HashRef against the session BlobStore, and
// drives the orchestrator pipeline.
func (s *Session) handleMessage(ctx context.Context, raw []byte) interface{} {
	proj, err := s.resolveProject(raw)
	if err != nil {
		return &errorResponse{Type: "compile_error", Error: err.Error()}
	}

	for name, fc := range proj.Files {
		if fc.Kind != models.KindHashRef {
			continue
		}
		if _, ok := s.blobs.Get(fc.Hash); !ok {
			return &errorResponse{Type: "compile_error", Error: fmt.Sprintf("unresolved hash ref in file %s", name)}
		}
	}

	result, err := s.compiler.Compile(ctx, proj, s.blobs)
	if err != nil {
		return &errorResponse{Type: "compile_error", Error: err.Error()}
	}

	blobs := make(map[string]string)
	for name, fc := range proj.Files {
		if fc.Kind != models.KindBinary {
			continue
		}
		hash := s.blobs.Put(fc.Bin)
		blobs[name] = hash
	}

	s.lastKnown = proj

	return &successResponse{
		Type:          "compile_success",
		CompileTimeMs: result.CompileTimeMs,
		PDF:           base64.StdEncoding.EncodeToString(result.PDF),
		Blobs:         blobs,
	}
}

// resolveProject decodes a frame as either a full Project or a
// {"patch": [...]} RFC 6902 delta against the last known Project
// (supplemental to spec §4.11's plain-Project messages).
func (s *Session) resolveProject(raw []byte) (*models.Project, error) {
	var pm patchMessage
	if err := json.Unmarshal(raw, &pm); err == nil && pm.Patch != nil {
		if s.lastKnown == nil {
			return nil, fmt.Errorf("session: patch message with no prior project")
		}
		return s.applyPatch(pm.Patch)
	}

	var wp wireProject
	if err := json.Unmarshal(raw, &wp); err != nil {
		return nil, fmt.Errorf("session: malformed project message: %w", err)
	}
	return decodeWireProject(wp, s.blobs)
}

func (s *Session) applyPatch(patchRaw json.RawMessage) (*models.Project, error) {
	baseline, err := encodeWireProject(s.lastKnown)
	if err != nil {
		return nil, err
	}

	patch, err := jsonpatch.DecodePatch(patchRaw)
	if err != nil {
		return nil, fmt.Errorf("session: invalid json patch: %w", err)
	}
	patched, err := patch.Apply(baseline)
	if err != nil {
		return nil, fmt.Errorf("session: applying json patch: %w", err)
	}

	var wp wireProject
	if err := json.Unmarshal(patched, &wp); err != nil {
		return nil, fmt.Errorf("session: patched project malformed: %w", err)
	}
	return decodeWireProject(wp, s.blobs)
}

func decodeWireProject(wp wireProject, blobs *blobstore.Store) (*models.Project, error) {
	p := models.NewProject()
	p.RootName = wp.Main

	for name, raw := range wp.Files {
		fc, err := decodeWireFile(raw)
		if err != nil {
			return nil, fmt.Errorf("session: file %s: %w", name, err)
		}
		p.Files[name] = fc
	}
	return p, nil
}

func decodeWireFile(raw json.RawMessage) (models.FileContent, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return models.TextContent([]byte(asString)), nil
	}

	var wf wireFile
	if err := json.Unmarshal(raw, &wf); err != nil {
		return models.FileContent{}, err
	}
	if wf.Type == "hash" {
		return models.HashRefContent(wf.Value), nil
	}
	if wf.Base64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(wf.Base64)
		if err != nil {
			return models.FileContent{}, err
		}
		return models.BinaryContent(decoded), nil
	}
	return models.FileContent{}, fmt.Errorf("unrecognized file value shape")
}

// encodeWireProject serializes a Project back to wire shape so a
// patch message can be applied against it with jsonpatch.
func encodeWireProject(p *models.Project) ([]byte, error) {
	wp := wireProject{Main: p.RootName, Files: make(map[string]json.RawMessage, len(p.Files))}
	for name, fc := range p.Files {
		var raw json.RawMessage
		var err error
		switch fc.Kind {
		case models.KindText:
			raw, err = json.Marshal(string(fc.Text))
		case models.KindBinary:
			raw, err = json.Marshal(wireFile{Base64: base64.StdEncoding.EncodeToString(fc.Bin)})
		case models.KindHashRef:
			raw, err = json.Marshal(wireFile{Type: "hash", Value: fc.Hash})
		}
		if err != nil {
			return nil, err
		}
		wp.Files[name] = raw
	}
	return json.Marshal(wp)
}
