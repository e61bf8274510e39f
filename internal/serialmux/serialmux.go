// Package serialmux multiplexes one serial port between a single writer and
// any number of subscribers reading tokens from it. How the byte stream is cut
// into tokens is pluggable: newline-terminated text for devices in text mode,
// or length-prefixed binary frames for devices speaking a framed protocol.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"tailscale.com/tsweb"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// SubscriberBuffer is the per-subscriber channel capacity. Tokens arriving
// while a subscriber's buffer is full are dropped for that subscriber.
const SubscriberBuffer = 256

// MaxTokenSize bounds a single token read from the port.
const MaxTokenSize = 64 * 1024

// SerialMux is a serial port multiplexer that fans out tokens read from a
// single port to every subscriber.
type SerialMux[T SerialPorter] struct {
	port  T
	split bufio.SplitFunc

	subscribers  map[string]chan []byte
	subscriberMu sync.Mutex
	writeMu      sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// Mux is the behaviour shared by every SerialMux instantiation.
type Mux interface {
	// Subscribe creates a channel receiving every token read from the port.
	// The ID identifies the channel when unsubscribing.
	Subscribe() (string, chan []byte)
	// Unsubscribe closes and removes a subscriber channel.
	Unsubscribe(string)
	// Send writes raw bytes to the port in a single call.
	Send([]byte) error
	// SendLine writes s followed by a newline unless it already ends in one.
	SendLine(string) error
	// Monitor reads the port until EOF, error or ctx cancellation.
	Monitor(context.Context) error
	// Close closes every subscriber channel and the port.
	Close() error
	// AttachAdminRoutes registers debug endpoints under /debug/ on mux.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux over port that splits the stream with
// split. A nil split reads newline-terminated lines.
func NewSerialMux[T SerialPorter](port T, split bufio.SplitFunc) *SerialMux[T] {
	if split == nil {
		split = bufio.ScanLines
	}
	return &SerialMux[T]{
		port:        port,
		split:       split,
		subscribers: make(map[string]chan []byte),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan []byte) {
	id := randomID()
	ch := make(chan []byte, SubscriberBuffer)

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	// Close marks closing before draining subscribers, so checking under
	// subscriberMu guarantees the channel is either drained or closed here.
	if s.isClosing() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Send writes p to the port. Concurrent senders are serialised so frames
// never interleave.
func (s *SerialMux[T]) Send(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return ErrWriteFailed
	}
	return nil
}

// SendLine sends a newline-terminated text line.
func (s *SerialMux[T]) SendLine(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	return s.Send([]byte(line))
}

// Monitor reads tokens from the port and delivers a copy of each to every
// subscriber. It returns nil when the port reports EOF or the mux is closing.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Buffer(make([]byte, 0, 4096), MaxTokenSize)
	scan.Split(s.split)

	tokenChan := make(chan []byte)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs in its own goroutine so the outer loop can still
	// observe ctx cancellation.
	go func() {
		defer close(tokenChan)
		for scan.Scan() {
			tok := append([]byte(nil), scan.Bytes()...)
			select {
			case tokenChan <- tok:
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if s.isClosing() {
				return nil
			}
			return err

		case tok, ok := <-tokenChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !s.isClosing() {
						return err
					}
				default:
				}
				return nil
			}
			if s.isClosing() {
				return nil
			}

			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- tok:
				default:
					// subscriber is not keeping up; drop rather than stall the port
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// Close closes every subscriber channel and then the port. It is safe to
// call more than once.
func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

// AttachAdminRoutes registers serial-send (POST a raw line to the port) and
// serial-tail (server-sent events of every token read) on the tsweb debugger
// mounted on mux.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("serial-send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		line := strings.TrimSpace(r.FormValue("line"))
		if line == "" {
			http.Error(w, "Missing line", http.StatusBadRequest)
			return
		}
		if err := s.SendLine(line); err != nil {
			http.Error(w, "Failed to write line", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote %q to serial port", line))
	})

	debug.HandleFunc("serial-tail", "tail tokens read from the serial port", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case tok, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", printable(tok)); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}

// printable renders text tokens as-is and binary frames as hex.
func printable(tok []byte) string {
	if utf8.Valid(tok) && !strings.ContainsAny(string(tok), "\x00\n\r") {
		return string(tok)
	}
	return "hex:" + hex.EncodeToString(tok)
}
