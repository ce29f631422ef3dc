package model

import (
	"fmt"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type AgentID int

type PoolID int

type Mode string

const (
	ModePair      Mode = "pair"
	ModePool      Mode = "pool"
	ModeCommunity Mode = "community"
)

type EdgeCategory string

const (
	IntraPool EdgeCategory = "intra-pool"
	InterPool EdgeCategory = "inter-pool"
)

// PairKey identifies an unordered agent pair. Low <= High always holds.
type PairKey struct {
	Low  AgentID `json:"low"`
	High AgentID `json:"high"`
}

func NewPairKey(a, b AgentID) PairKey {
	if a > b {
		a, b = b, a
	}
	return PairKey{Low: a, High: b}
}

func (k PairKey) String() string {
	return fmt.Sprintf("%d-%d", k.Low, k.High)
}

// OrderedPair fixes who speaks and who listens on one exchange.
type OrderedPair struct {
	Speaker  AgentID `json:"speaker"`
	Listener AgentID `json:"listener"`
}

func (p OrderedPair) Key() PairKey {
	return NewPairKey(p.Speaker, p.Listener)
}

func (p OrderedPair) Swap() OrderedPair {
	return OrderedPair{Speaker: p.Listener, Listener: p.Speaker}
}

func (p OrderedPair) String() string {
	return fmt.Sprintf("%d->%d", p.Speaker, p.Listener)
}

// Edge is an unordered wiring between two agents. Weight is the probability
// the edge was wired with; TrainWeight, when positive, biases per-step sampling.
type Edge struct {
	A           AgentID      `json:"a"`
	B           AgentID      `json:"b"`
	Weight      float64      `json:"weight"`
	Category    EdgeCategory `json:"category"`
	TrainWeight float64      `json:"train_weight,omitempty"`
}

func (e Edge) Key() PairKey {
	return NewPairKey(e.A, e.B)
}

type Pool struct {
	ID      PoolID    `json:"id"`
	Name    string    `json:"name"`
	Members []AgentID `json:"members"`
}

type Split string

const (
	SplitTrain        Split = "train"
	SplitInDomainDev  Split = "indomain_dev"
	SplitOutDomainDev Split = "outdomain_dev"
)

// Example is one reference-game instance: the speaker sees Description, the
// listener must pick Candidates[Target].
type Example struct {
	Description []float64   `json:"description"`
	Target      int         `json:"target"`
	Candidates  [][]float64 `json:"candidates"`
	Text        string      `json:"text,omitempty"`
	Shape       string      `json:"shape,omitempty"`
	Color       string      `json:"color,omitempty"`
}

type Batch struct {
	Split    Split     `json:"split"`
	Examples []Example `json:"examples"`
}

func (b Batch) Size() int {
	return len(b.Examples)
}

func (b Batch) Descriptions() [][]float64 {
	out := make([][]float64, len(b.Examples))
	for i, ex := range b.Examples {
		out[i] = ex.Description
	}
	return out
}

func (b Batch) Candidates() [][][]float64 {
	out := make([][][]float64, len(b.Examples))
	for i, ex := range b.Examples {
		out[i] = ex.Candidates
	}
	return out
}

func (b Batch) Targets() []int {
	out := make([]int, len(b.Examples))
	for i, ex := range b.Examples {
		out[i] = ex.Target
	}
	return out
}

type AgentCheckpoint struct {
	VersionedRecord
	RunID     string               `json:"run_id"`
	AgentID   AgentID              `json:"agent_id"`
	Tag       string               `json:"tag"`
	Step      int                  `json:"step"`
	Epoch     int                  `json:"epoch"`
	Params    map[string][]float64 `json:"params"`
	Optimizer OptimizerState       `json:"optimizer"`
}

type OptimizerState struct {
	Kind    string               `json:"kind"`
	StepNum int                  `json:"step_num"`
	Slots   map[string][]float64 `json:"slots,omitempty"`
}

type RunState string

const (
	StateRunning         RunState = "running"
	StateConverged       RunState = "converged"
	StateMaxEpochReached RunState = "max_epoch_reached"
	StateInterrupted     RunState = "interrupted"
	StateFailed          RunState = "failed"
)

type RunRecord struct {
	VersionedRecord
	ID              string    `json:"id"`
	Mode            Mode      `json:"mode"`
	Seed            int64     `json:"seed"`
	Step            int       `json:"step"`
	Epoch           int       `json:"epoch"`
	State           RunState  `json:"state"`
	BestDevAccuracy float64   `json:"best_dev_accuracy"`
	CreatedAtUTC    string    `json:"created_at_utc"`
	AgentIDs        []AgentID `json:"agent_ids"`
	Pools           []Pool    `json:"pools"`
	Edges           []Edge    `json:"edges"`
}

type PairAccuracy struct {
	Pair     PairKey `json:"pair"`
	Accuracy float64 `json:"accuracy"`
}

type AccuracySnapshot struct {
	RunID   string         `json:"run_id"`
	Step    int            `json:"step"`
	Mean    float64        `json:"mean"`
	Entries []PairAccuracy `json:"entries"`
}

type MessageRecord struct {
	Target     int       `json:"target"`
	Prediction int       `json:"prediction"`
	Message    []float64 `json:"message"`
	Text       string    `json:"text,omitempty"`
}

type MessageExport struct {
	RunID            string          `json:"run_id"`
	Pair             OrderedPair     `json:"pair"`
	Split            Split           `json:"split"`
	Accuracy         float64         `json:"accuracy"`
	DistinctMessages int             `json:"distinct_messages"`
	Entropy          float64         `json:"entropy"`
	Messages         []MessageRecord `json:"messages"`
}
