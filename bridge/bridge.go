// Package bridge mirrors broadcast signals to external brokers.
//
// Each sink implements server.Sink and publishes one JSON Event per signal.
// Sinks sit behind the emitter's queue, so a slow broker never delays the
// bus broadcast.
package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"gsus/codec"
	"gsus/message"
)

// Event is the JSON document published for a signal.
type Event struct {
	Path      string    `json:"path"`
	Interface string    `json:"interface"`
	Signal    string    `json:"signal"`
	Args      []any     `json:"args"`
	Time      time.Time `json:"time"`
}

// RoutingKey is "<interface>.<signal>".
func RoutingKey(sig *message.Signal) string {
	return sig.Interface + "." + sig.Name
}

func marshalEvent(sig *message.Signal, now time.Time) ([]byte, error) {
	args, err := codec.DecodeAny(sig.Body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", sig.Name, err)
	}
	return json.Marshal(Event{
		Path:      sig.Path,
		Interface: sig.Interface,
		Signal:    sig.Name,
		Args:      args,
		Time:      now.UTC(),
	})
}
