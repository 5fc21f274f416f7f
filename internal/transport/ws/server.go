package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/authority"
	"lockstep.ai/internal/sim/command"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	readTimeout      = 60 * time.Second
)

var tracer = otel.Tracer("lockstep.ai/internal/transport/ws")

type Options struct {
	// HandlersDigest must match the participant's HELLO; empty accepts any.
	HandlersDigest string
	// SendQueue bounds each participant's outbound queue.
	SendQueue int
	// AllowDebug grants the debug role to participants that ask for it.
	AllowDebug bool
	// Context ends the server's use of the log; defaults to Background.
	Context context.Context
}

// Server attaches websocket participants to an authority log. It never
// touches the log directly; everything goes through the log's channels.
type Server struct {
	log    *authority.Log
	logger *log.Logger
	opts   Options

	upgrader websocket.Upgrader
}

func NewServer(l *authority.Log, logger *log.Logger, opts Options) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 4096
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return &Server{
		log:    l,
		logger: logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		p, sink, ok := s.handshake(r.Context(), conn)
		if !ok {
			return
		}
		playerID := p.PlayerID

		ctx, cancel := context.WithCancel(s.opts.Context)
		defer cancel()

		// Writer goroutine. A closed sink means the log dropped us.
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					_ = conn.Close()
					return
				case b, ok := <-sink.C:
					if !ok {
						_ = conn.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnected"),
							time.Now().Add(time.Second))
						_ = conn.Close()
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()

		if !s.deliver(ctx, s.log.Ready(), playerID) {
			return
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			typ, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if typ != websocket.BinaryMessage {
				s.fault(ctx, playerID, protocol.Protocolf(nil, "unexpected text frame after handshake"))
				continue
			}
			if !s.route(ctx, playerID, msg) {
				break
			}
		}

		// Cleanup. Leave on an already dropped participant is a no-op.
		cancel()
		s.deliverLeave(playerID)
	}
}

// route forwards one participant message to the log; false once the
// server is shutting down.
func (s *Server) route(ctx context.Context, playerID int32, msg []byte) bool {
	kind, body, err := protocol.OpenEnvelope(msg)
	if err != nil {
		return s.fault(ctx, playerID, err)
	}
	switch kind {
	case protocol.KindSubmit:
		d, err := command.UnmarshalDraft(body)
		if err != nil {
			return s.fault(ctx, playerID, protocol.Serializationf(err, "draft"))
		}
		select {
		case s.log.Submissions() <- authority.Submission{From: playerID, Draft: d}:
			return true
		case <-ctx.Done():
			return false
		}
	case protocol.KindDigest:
		d, err := protocol.UnmarshalDigest(body)
		if err != nil {
			return s.fault(ctx, playerID, err)
		}
		select {
		case s.log.Digests() <- authority.DigestReport{From: playerID, Digest: d}:
			return true
		case <-ctx.Done():
			return false
		}
	default:
		return s.fault(ctx, playerID, protocol.Protocolf(nil, "%s is not sent to the authority", kind))
	}
}

func (s *Server) fault(ctx context.Context, playerID int32, err error) bool {
	select {
	case s.log.Faults() <- authority.ProtocolFault{From: playerID, Err: err}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) deliver(ctx context.Context, ch chan<- int32, playerID int32) bool {
	select {
	case ch <- playerID:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) deliverLeave(playerID int32) {
	select {
	case s.log.Leaves() <- playerID:
	case <-s.opts.Context.Done():
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (*authority.Participant, *authority.ChanSink, bool) {
	_, span := tracer.Start(ctx, "ws.handshake")
	defer span.End()

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		span.RecordError(err)
		return nil, nil, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.reject(conn, protocol.ErrProtocol, "expected HELLO")
		span.SetStatus(codes.Error, "expected HELLO")
		return nil, nil, false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		s.reject(conn, protocol.ErrSerialization, "bad HELLO")
		span.SetStatus(codes.Error, "bad HELLO")
		return nil, nil, false
	}
	if hello.ProtocolVersion != protocol.Version {
		s.reject(conn, protocol.ErrProtocol, "bad protocol_version")
		span.SetStatus(codes.Error, "bad protocol_version")
		return nil, nil, false
	}
	if s.opts.HandlersDigest != "" && hello.HandlersDigest != s.opts.HandlersDigest {
		s.reject(conn, protocol.ErrProtocol, "handler table mismatch")
		span.SetStatus(codes.Error, "handler table mismatch")
		return nil, nil, false
	}
	name := strings.TrimSpace(hello.PlayerName)
	if name == "" {
		name = "player"
	}
	span.SetAttributes(attribute.String("player.name", name))

	sink := authority.NewChanSink(s.opts.SendQueue)
	respCh := make(chan authority.JoinResponse, 1)
	req := authority.JoinRequest{
		Spec: authority.ParticipantSpec{
			Name:  name,
			Debug: hello.Debug && s.opts.AllowDebug,
			Sink:  sink,
		},
		Resp: respCh,
	}
	select {
	case s.log.Joins() <- req:
	case <-s.opts.Context.Done():
		s.reject(conn, protocol.ErrApplication, "shutting down")
		return nil, nil, false
	}
	var resp authority.JoinResponse
	select {
	case resp = <-respCh:
	case <-s.opts.Context.Done():
		s.reject(conn, protocol.ErrApplication, "shutting down")
		return nil, nil, false
	}
	if resp.Err != nil {
		s.reject(conn, protocol.CodeOf(resp.Err), resp.Err.Error())
		span.RecordError(resp.Err)
		return nil, nil, false
	}
	span.SetAttributes(
		attribute.Int("player.id", int(resp.Participant.PlayerID)),
		attribute.Bool("player.host", resp.Participant.Host),
		attribute.Int("session.tick", int(resp.Welcome.Tick)),
	)

	// WELCOME goes out before the writer starts, so it always precedes the
	// backlog queued by Ready.
	if err := writeJSON(conn, resp.Welcome); err != nil {
		s.deliverLeave(resp.Participant.PlayerID)
		return nil, nil, false
	}
	s.logger.Printf("join player=%d name=%q host=%v backlog=%d", resp.Participant.PlayerID, name, resp.Participant.Host, resp.Welcome.BacklogFrames)
	return resp.Participant, sink, true
}

func (s *Server) reject(conn *websocket.Conn, code, reason string) {
	if code == "" {
		code = protocol.ErrProtocol
	}
	_ = writeJSON(conn, protocol.RejectMsg{Type: protocol.TypeReject, Code: code, Reason: reason})
	// Close reasons are capped at 123 bytes.
	if len(reason) > 120 {
		reason = reason[:120]
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
