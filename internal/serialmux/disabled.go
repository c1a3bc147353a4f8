package serialmux

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// DisabledSerialMux stands in for the controller link when the gantry is
// simulated in process. Writes are counted and dropped; subscribers never
// receive a line but their channels still close on Unsubscribe or Close.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closed      bool
	dropped     int
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subscribers: make(map[string]chan string)}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
	} else {
		d.subscribers[id] = ch
	}
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		delete(d.subscribers, id)
		close(ch)
	}
}

func (d *DisabledSerialMux) drop() error {
	d.mu.Lock()
	d.dropped++
	d.mu.Unlock()
	return nil
}

func (d *DisabledSerialMux) SendCommand(string) error { return d.drop() }

func (d *DisabledSerialMux) SendRealtime(byte) error { return d.drop() }

// Monitor blocks until ctx is done, like the real read loop.
func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Initialize() error { return nil }

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for id, ch := range d.subscribers {
		delete(d.subscribers, id)
		close(ch)
	}
	return nil
}

// Dropped reports how many writes were discarded.
func (d *DisabledSerialMux) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "gantry simulated in process, serial link disabled (%d writes dropped)\n", d.Dropped())
	})
}
