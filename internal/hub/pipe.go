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
	"errors"
	"fmt"
	"sync"
	"time"

	"hubgate/internal/hermes"
)

type packet struct {
	identity string
	payload  []byte
	err      error
}

// PipeTransport is an in-process Transport. Peers are simulated by calling
// Deliver and reading what the server wrote with Expect.
type PipeTransport struct {
	inbound  chan packet
	outbound map[string]chan []byte
	failures map[string]error
	closed   bool
	mutex    sync.Mutex
}

// NewPipeTransport creates an in-process transport
func NewPipeTransport() *PipeTransport {
	return &PipeTransport{
		inbound:  make(chan packet, 256),
		outbound: make(map[string]chan []byte),
		failures: make(map[string]error),
	}
}

// Name returns "pipe"
func (p *PipeTransport) Name() string {
	return "pipe"
}

// Bind is a no-op
func (p *PipeTransport) Bind(address string) error {
	return nil
}

// Recv waits up to timeout for a delivered frame
func (p *PipeTransport) Recv(timeout time.Duration) (string, []byte, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case pkt := <-p.inbound:
		if pkt.err != nil {
			return "", nil, false, pkt.err
		}
		return pkt.identity, pkt.payload, true, nil
	case <-timer.C:
		return "", nil, false, nil
	}
}

// Send records a frame written to identity
func (p *PipeTransport) Send(identity string, payload []byte) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return errors.New("pipe closed")
	}
	if err, ok := p.failures[identity]; ok {
		return err
	}
	select {
	case p.queue(identity) <- payload:
		return nil
	default:
		return fmt.Errorf("pipe buffer for %q full", identity)
	}
}

// Close marks the pipe closed
func (p *PipeTransport) Close() error {
	p.mutex.Lock()
	p.closed = true
	p.mutex.Unlock()
	return nil
}

// queue returns the outbound buffer for identity. Caller holds the mutex.
func (p *PipeTransport) queue(identity string) chan []byte {
	q, ok := p.outbound[identity]
	if !ok {
		q = make(chan []byte, 256)
		p.outbound[identity] = q
	}
	return q
}

// Deliver makes frame arrive at the server as if sent by identity
func (p *PipeTransport) Deliver(identity string, frame *hermes.Frame) error {
	payload, err := hermes.SerializeFrame(frame)
	if err != nil {
		return err
	}
	p.DeliverRaw(identity, payload)
	return nil
}

// DeliverRaw makes payload arrive at the server as if sent by identity
func (p *PipeTransport) DeliverRaw(identity string, payload []byte) {
	p.inbound <- packet{identity: identity, payload: payload}
}

// DeliverMalformed makes a wrongly framed message arrive from identity
func (p *PipeTransport) DeliverMalformed(identity, reason string) {
	p.inbound <- packet{err: &MalformedError{Identity: identity, Reason: reason}}
}

// Expect returns the next frame the server wrote to identity
func (p *PipeTransport) Expect(identity string, timeout time.Duration) (*hermes.Frame, error) {
	p.mutex.Lock()
	q := p.queue(identity)
	p.mutex.Unlock()

	select {
	case payload := <-q:
		return hermes.DeserializeFrame(payload)
	case <-time.After(timeout):
		return nil, fmt.Errorf("no frame for %q within %v", identity, timeout)
	}
}

// FailSends makes every later write to identity fail with err
func (p *PipeTransport) FailSends(identity string, err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.failures[identity] = err
}
