package sensor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/flexforge/conveyor/internal/model"
)

// Replay reads one SystemState per JSON line. At end of input Read returns
// io.EOF, or starts over when looping over a seekable reader.
type Replay struct {
	mu   sync.Mutex
	r    io.Reader
	sc   *bufio.Scanner
	loop bool
	line int
}

// NewReplay creates a replay source over r.
func NewReplay(r io.Reader, loop bool) *Replay {
	return &Replay{r: r, sc: bufio.NewScanner(r), loop: loop}
}

// Kind returns KindReplay.
func (p *Replay) Kind() string { return KindReplay }

// Read returns the next recorded snapshot. Blank lines are skipped.
func (p *Replay) Read(ctx context.Context) (model.SystemState, error) {
	if err := ctx.Err(); err != nil {
		return model.SystemState{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rewound := false
	for {
		if !p.sc.Scan() {
			if err := p.sc.Err(); err != nil {
				return model.SystemState{}, fmt.Errorf("sensor: replay line %d: %w", p.line+1, err)
			}
			seeker, ok := p.r.(io.Seeker)
			if !p.loop || !ok || rewound {
				return model.SystemState{}, io.EOF
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return model.SystemState{}, fmt.Errorf("sensor: rewind replay: %w", err)
			}
			p.sc = bufio.NewScanner(p.r)
			p.line = 0
			rewound = true
			continue
		}
		p.line++
		raw := p.sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var s model.SystemState
		if err := json.Unmarshal(raw, &s); err != nil {
			return model.SystemState{}, fmt.Errorf("sensor: replay line %d: %w", p.line, err)
		}
		return s, nil
	}
}
