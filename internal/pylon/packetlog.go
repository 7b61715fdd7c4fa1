package pylon

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/estelle/pylon/internal/relay"
)

// PacketLog appends every sent and received envelope to an ndjson file.
// Opt-in via config; nil is a valid no-op receiver.
type PacketLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenPacketLog opens (or creates) the packet log file for appending.
func OpenPacketLog(path string) (*PacketLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &PacketLog{file: f}, nil
}

type packetRecord struct {
	Time      string          `json:"time"`
	Direction string          `json:"dir"` // in | out
	Type      string          `json:"type"`
	Envelope  *relay.Envelope `json:"envelope"`
}

func (p *PacketLog) record(direction string, env *relay.Envelope) {
	if p == nil {
		return
	}
	data, err := json.Marshal(packetRecord{
		Time:      time.Now().Format(time.RFC3339Nano),
		Direction: direction,
		Type:      env.Type,
		Envelope:  env,
	})
	if err != nil {
		return
	}
	p.mu.Lock()
	_, _ = p.file.Write(append(data, '\n'))
	p.mu.Unlock()
}

// Close closes the underlying file.
func (p *PacketLog) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.file.Close()
}
