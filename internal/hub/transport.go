// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"fmt"
	"time"

	"github.com/pebbe/zmq4"
)

// Transport moves raw frames between the server and peers addressed by identity.
// Implementations are used from a single goroutine.
type Transport interface {
	// Name returns the transport name (e.g., "zmq")
	Name() string

	// Bind starts accepting peers on address
	Bind(address string) error

	// Recv waits up to timeout for one frame. ok is false when nothing arrived.
	Recv(timeout time.Duration) (identity string, payload []byte, ok bool, err error)

	// Send delivers one frame to a peer
	Send(identity string, payload []byte) error

	// Close releases the transport
	Close() error
}

// MalformedError reports a message whose framing is wrong. Identity is empty
// when the sender could not be told.
type MalformedError struct {
	Identity string
	Reason   string
}

func (e *MalformedError) Error() string {
	if e.Identity == "" {
		return "malformed message: " + e.Reason
	}
	return fmt.Sprintf("malformed message from %q: %s", e.Identity, e.Reason)
}

// ZMQTransport is a ROUTER socket; each DEALER peer is one identity
type ZMQTransport struct {
	socket *zmq4.Socket
	poller *zmq4.Poller
	hwm    int
}

// NewZMQTransport creates a ROUTER transport with the given high watermark
func NewZMQTransport(hwm int) *ZMQTransport {
	if hwm <= 0 {
		hwm = 1000
	}
	return &ZMQTransport{hwm: hwm}
}

// Name returns "zmq"
func (t *ZMQTransport) Name() string {
	return "zmq"
}

// Bind creates the ROUTER socket and binds it
func (t *ZMQTransport) Bind(address string) error {
	socket, err := zmq4.NewSocket(zmq4.ROUTER)
	if err != nil {
		return fmt.Errorf("failed to create ROUTER socket: %w", err)
	}

	defer func() {
		if err != nil {
			socket.Close()
		}
	}()

	if err = socket.SetLinger(time.Second); err != nil {
		return fmt.Errorf("failed to set linger: %w", err)
	}
	if err = socket.SetRcvhwm(t.hwm); err != nil {
		return fmt.Errorf("failed to set receive high watermark: %w", err)
	}
	if err = socket.SetSndhwm(t.hwm); err != nil {
		return fmt.Errorf("failed to set send high watermark: %w", err)
	}
	// Unroutable sends fail instead of being silently dropped
	if err = socket.SetRouterMandatory(1); err != nil {
		return fmt.Errorf("failed to set router mandatory: %w", err)
	}
	if err = socket.Bind(address); err != nil {
		return fmt.Errorf("failed to bind to address: %w", err)
	}

	t.socket = socket
	t.poller = zmq4.NewPoller()
	t.poller.Add(socket, zmq4.POLLIN)
	return nil
}

// Recv polls the socket and reads one [identity, "", payload] message
func (t *ZMQTransport) Recv(timeout time.Duration) (string, []byte, bool, error) {
	if t.socket == nil {
		return "", nil, false, fmt.Errorf("transport not bound")
	}

	polled, err := t.poller.Poll(timeout)
	if err != nil {
		return "", nil, false, fmt.Errorf("poll failed: %w", err)
	}
	if len(polled) == 0 {
		return "", nil, false, nil
	}

	msg, err := t.socket.RecvMessageBytes(0)
	if err != nil {
		return "", nil, false, fmt.Errorf("failed to receive message: %w", err)
	}
	// ROUTER always prepends the peer identity, so msg[0] names the sender
	if len(msg) < 3 {
		return "", nil, false, &MalformedError{Identity: identityOf(msg), Reason: fmt.Sprintf("%d parts", len(msg))}
	}
	if len(msg[1]) != 0 {
		return "", nil, false, &MalformedError{Identity: string(msg[0]), Reason: "missing empty delimiter"}
	}

	return string(msg[0]), msg[2], true, nil
}

func identityOf(msg [][]byte) string {
	if len(msg) == 0 {
		return ""
	}
	return string(msg[0])
}

// Send writes [identity, "", payload]
func (t *ZMQTransport) Send(identity string, payload []byte) error {
	if t.socket == nil {
		return fmt.Errorf("transport not bound")
	}
	if _, err := t.socket.SendMessage(identity, "", payload); err != nil {
		return fmt.Errorf("failed to send to %q: %w", identity, err)
	}
	return nil
}

// Close closes the socket
func (t *ZMQTransport) Close() error {
	if t.socket == nil {
		return nil
	}
	err := t.socket.Close()
	t.socket = nil
	return err
}
