package evaluate

import (
	"sort"
	"strconv"
	"strings"

	"commgame/internal/agent"
	"commgame/internal/model"
)

// ParseRegion reads a comma-separated list of bit indexes and half-open
// ranges, e.g. "0:3,5" names bits 0, 1, 2 and 5. An empty string names every
// bit of the message.
func ParseRegion(raw string, dim int) ([]int, error) {
	if dim <= 0 {
		return nil, model.ConfigErrorf("corrupt_region", "message dim must be > 0, got %d", dim)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		bits := make([]int, dim)
		for i := range bits {
			bits[i] = i
		}
		return bits, nil
	}
	seen := make(map[int]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		lo, hi, err := parseRange(part)
		if err != nil {
			return nil, model.ConfigErrorf("corrupt_region", "%q: %v", part, err)
		}
		if lo < 0 || hi > dim || lo >= hi {
			return nil, model.ConfigErrorf("corrupt_region", "%q outside [0,%d)", part, dim)
		}
		for b := lo; b < hi; b++ {
			seen[b] = true
		}
	}
	bits := make([]int, 0, len(seen))
	for b := range seen {
		bits = append(bits, b)
	}
	sort.Ints(bits)
	return bits, nil
}

func parseRange(part string) (int, int, error) {
	from, to, isRange := strings.Cut(part, ":")
	lo, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return lo, lo + 1, nil
	}
	hi, err := strconv.Atoi(strings.TrimSpace(to))
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}

// corruptSpeaker flips the named bits of every binary message it emits.
type corruptSpeaker struct {
	agent.Agent
	bits []int
}

func (s corruptSpeaker) EmitMessage(descriptions [][]float64, opts agent.EmitOptions) (agent.MessageTrace, error) {
	trace, err := s.Agent.EmitMessage(descriptions, opts)
	if err != nil {
		return nil, err
	}
	messages := trace.Messages()
	out := make([][]float64, len(messages))
	for i, m := range messages {
		row := append([]float64(nil), m...)
		for _, b := range s.bits {
			if b < len(row) {
				row[b] = 1 - row[b]
			}
		}
		out[i] = row
	}
	return replacedMessages{MessageTrace: trace, messages: out}, nil
}

// silentSpeaker sends all-zero messages, so the listener decides from the
// candidates alone.
type silentSpeaker struct {
	agent.Agent
}

func (s silentSpeaker) EmitMessage(descriptions [][]float64, opts agent.EmitOptions) (agent.MessageTrace, error) {
	trace, err := s.Agent.EmitMessage(descriptions, opts)
	if err != nil {
		return nil, err
	}
	messages := trace.Messages()
	out := make([][]float64, len(messages))
	for i, m := range messages {
		out[i] = make([]float64, len(m))
	}
	return replacedMessages{MessageTrace: trace, messages: out}, nil
}

type replacedMessages struct {
	agent.MessageTrace
	messages [][]float64
}

func (t replacedMessages) Messages() [][]float64 { return t.messages }

func (e *Evaluator) speaker(a agent.Agent) agent.Agent {
	if len(e.cfg.Corrupt) == 0 {
		return a
	}
	return corruptSpeaker{Agent: a, bits: e.cfg.Corrupt}
}

func validateCorrupt(bits []int, dim int) error {
	for _, b := range bits {
		if b < 0 || b >= dim {
			return model.ConfigErrorf("corrupt_region", "bit %d outside [0,%d)", b, dim)
		}
	}
	return nil
}
