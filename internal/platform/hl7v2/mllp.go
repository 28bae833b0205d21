package hl7v2

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// mllpMaxMessageSize is the maximum buffer size for a single MLLP message (1 MB).
	mllpMaxMessageSize = 1 << 20

	// mllpReadTimeout is the read deadline applied to each connection.
	mllpReadTimeout = 30 * time.Second
)

// MessageHandler is called for each received HL7v2 message with its raw
// bytes. It returns the acknowledgment code ("AA", "AE" or "AR") sent back to
// the peer in MSA-1.
type MessageHandler func(ctx context.Context, msg *Message, raw []byte) string

// MLLPServer listens for HL7v2 messages over MLLP/TCP.
type MLLPServer struct {
	addr     string
	handler  MessageHandler
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewMLLPServer creates a new MLLP server that will listen on the given
// address and dispatch parsed messages to handler.
func NewMLLPServer(addr string, handler MessageHandler, logger zerolog.Logger) *MLLPServer {
	return &MLLPServer{
		addr:    addr,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// Start begins listening for connections. It is non-blocking: the accept loop
// runs in a background goroutine.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	return nil
}

// Stop gracefully shuts down the server. It closes the listener, then closes
// all tracked connections, and waits for all goroutines to finish.
func (s *MLLPServer) Stop() error {
	close(s.done)

	// Close the listener so acceptLoop unblocks.
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	// Close every tracked connection.
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	// Wait for all goroutines (accept loop + connection handlers) to exit.
	s.wg.Wait()

	return err
}

// Addr returns the listener address string. This is especially useful when the
// server was started with port 0 (OS-assigned port).
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// acceptLoop runs in its own goroutine, accepting new TCP connections until
// the listener is closed.
func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Check if we are shutting down.
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("mllp accept failed")
			return
		}

		s.trackConn(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

// trackConn adds or removes a connection from the tracked set.
func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConnection reads MLLP-framed messages from conn, parses them,
// dispatches to the handler, and writes back any response.
func (s *MLLPServer) handleConnection(conn net.Conn) {
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		// Check for shutdown.
		select {
		case <-s.done:
			return
		default:
		}

		// Set a read deadline so we don't block forever.
		conn.SetReadDeadline(time.Now().Add(mllpReadTimeout))

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			// Guard against oversized messages.
			if len(buf) > mllpMaxMessageSize {
				s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("mllp message exceeds max size, closing connection")
				return
			}

			// Process all complete messages in the buffer.
			for {
				msgBytes, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest

				s.processMessage(conn, msgBytes)
			}
		}

		if err != nil {
			// Timeout or EOF is normal when idle or the client disconnects.
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// On timeout with no pending data, close the connection.
				if len(buf) == 0 {
					return
				}
				// Otherwise keep reading to finish the partial message.
				continue
			}
			// Connection closed or other error.
			return
		}
	}
}

// processMessage parses a single message, calls the handler, and writes
// the ACK back to conn. A payload that does not parse is answered with AR
// addressed from whatever MSH fields could be recovered.
func (s *MLLPServer) processMessage(conn net.Conn, raw []byte) {
	var ack []byte
	msg, err := Parse(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("mllp parse failed")
		ack = RejectACK(raw, err.Error(), time.Now())
	} else {
		ack = GenerateACK(msg, s.dispatch(msg, raw), time.Now())
	}

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(FrameMessage(ack)); err != nil {
		s.logger.Error().Err(err).Msg("mllp write failed")
	}
}

// dispatch runs the handler, answering AE if it panics so one message
// cannot take the listener down.
func (s *MLLPServer) dispatch(msg *Message, raw []byte) (code string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("panic", fmt.Sprint(r)).
				Str("control_id", msg.ControlID).
				Msg("mllp handler panicked")
			code = "AE"
		}
	}()
	return s.handler(context.Background(), msg, raw)
}

// ---------------------------------------------------------------------------
// MLLP framing helpers
// ---------------------------------------------------------------------------

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts HL7v2 bytes from an MLLP frame. It looks for the
// first start block byte, then reads until end block + CR. It returns the
// extracted message, any remaining bytes after the frame, and whether a
// complete frame was found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	// Find start block.
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	// Find end block sequence (0x1C 0x0D) after the start block.
	endSeq := []byte{MLLPEndBlock, MLLPCarriageReturn}
	endIdx := bytes.Index(data[startIdx+1:], endSeq)
	if endIdx == -1 {
		return nil, data, false
	}

	// Adjust endIdx to be relative to the full data slice.
	endIdx = startIdx + 1 + endIdx

	message = data[startIdx+1 : endIdx]
	rest = data[endIdx+2:]
	found = true
	return
}

// GenerateACK builds the ACK for incoming. ackCode should be "AA"
// (accept), "AE" (error), or "AR" (reject). Sending and receiving
// application/facility are swapped and MSA-2 references the original
// control id.
func GenerateACK(incoming *Message, ackCode string, now time.Time) []byte {
	return ackBuilder(incoming, ackCode, now).Encode()
}

// RejectACK answers a payload that could not be parsed with AR. MSA-3
// carries reason; MSA-2 is empty when no control id survives.
func RejectACK(raw []byte, reason string, now time.Time) []byte {
	b := ackBuilder(recoverHeader(raw), "AR", now)
	setField(b, "MSA-3", reason)
	return b.Encode()
}

func ackBuilder(incoming *Message, ackCode string, now time.Time) *Builder {
	msgType := "ACK"
	if parts := strings.SplitN(incoming.Type, "^", 3); len(parts) >= 2 && parts[1] != "" {
		msgType += "^" + parts[1]
	}

	b := NewBuilder(msgType, incoming.Version)
	setField(b, "MSH-3", incoming.ReceivingApp)
	setField(b, "MSH-4", incoming.ReceivingFac)
	setField(b, "MSH-5", incoming.SendingApp)
	setField(b, "MSH-6", incoming.SendingFac)
	setField(b, "MSH-7", now.UTC().Format("20060102150405"))
	setField(b, "MSH-10", "ACK"+incoming.ControlID)
	setField(b, "MSH-11", "P")
	setField(b, "MSA-1", ackCode)
	setField(b, "MSA-2", incoming.ControlID)
	return b
}

func setField(b *Builder, spec, value string) {
	fs, _ := ParseFieldSpec(spec)
	_ = b.Set(fs, value)
}

// recoverHeader salvages the MSH fields of a payload Parse rejected. It
// returns an empty message when the first line is not an MSH segment.
func recoverHeader(raw []byte) *Message {
	msg := &Message{}
	lines := splitSegments(string(raw))
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "MSH") || len(lines[0]) < 4 {
		return msg
	}
	msh, err := parseSegment(lines[0])
	if err != nil {
		return msg
	}
	msg.SendingApp = msh.GetField(3)
	msg.SendingFac = msh.GetField(4)
	msg.ReceivingApp = msh.GetField(5)
	msg.ReceivingFac = msh.GetField(6)
	msg.Type = msh.GetField(9)
	msg.ControlID = msh.GetField(10)
	msg.Version = msh.GetField(12)
	return msg
}
