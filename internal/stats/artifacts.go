// Package stats writes per-run artifact directories and the run index that
// lists them.
package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"commgame/internal/model"
)

const (
	runIndexFile  = "run_index.json"
	configFile    = "config.json"
	summaryFile   = "summary.json"
	historyFile   = "accuracy_history.json"
	matrixFile    = "accuracy_matrix.json"
	pairStatsFile = "pair_stats.json"
	seriesFile    = "accuracy_series.csv"
)

type RunConfig struct {
	RunID        string     `json:"run_id"`
	Mode         model.Mode `json:"mode"`
	Seed         int64      `json:"seed"`
	NumAgents    int        `json:"num_agents"`
	PoolSizes    []int      `json:"pool_sizes,omitempty"`
	MessageType  string     `json:"message_type"`
	MessageDim   int        `json:"m_dim"`
	Estimator    string     `json:"estimator"`
	Optimizer    string     `json:"optimizer"`
	LearningRate float64    `json:"learning_rate"`
	MaxEpoch     int        `json:"max_epoch"`
	Threshold    float64    `json:"threshold"`
	Dataset      string     `json:"dataset"`
}

type Degeneracy struct {
	Requested model.EdgeCategory `json:"requested"`
	Used      model.EdgeCategory `json:"used"`
	Count     int                `json:"count"`
}

type RunSummary struct {
	State           model.RunState          `json:"state"`
	Steps           int                     `json:"steps"`
	Epochs          int                     `json:"epochs"`
	Skipped         int                     `json:"skipped"`
	BestDevAccuracy float64                 `json:"best_dev_accuracy"`
	DevAccuracy     map[model.Split]float64 `json:"dev_accuracy,omitempty"`
	Degeneracies    []Degeneracy            `json:"degeneracies,omitempty"`
}

// AccuracyPoint is one convergence check.
type AccuracyPoint struct {
	Step      int     `json:"step"`
	Mean      float64 `json:"mean"`
	Pairs     int     `json:"pairs"`
	Converged bool    `json:"converged"`
}

type PairStat struct {
	Pair         model.PairKey `json:"pair"`
	Steps        int           `json:"steps"`
	MeanReward   float64       `json:"mean_reward"`
	MeanAccuracy float64       `json:"mean_accuracy"`
}

type RunArtifacts struct {
	Config    RunConfig            `json:"config"`
	Summary   RunSummary           `json:"summary"`
	History   []AccuracyPoint      `json:"history"`
	Matrix    []model.PairAccuracy `json:"matrix"`
	PairStats []PairStat           `json:"pair_stats"`
}

type RunIndexEntry struct {
	RunID           string         `json:"run_id"`
	Mode            model.Mode     `json:"mode"`
	NumAgents       int            `json:"num_agents"`
	Seed            int64          `json:"seed"`
	State           model.RunState `json:"state"`
	Steps           int            `json:"steps"`
	FinalAccuracy   float64        `json:"final_accuracy"`
	BestDevAccuracy float64        `json:"best_dev_accuracy"`
	CreatedAtUTC    string         `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	sort.Slice(artifacts.PairStats, func(i, j int) bool {
		a, b := artifacts.PairStats[i].Pair, artifacts.PairStats[j].Pair
		if a.Low != b.Low {
			return a.Low < b.Low
		}
		return a.High < b.High
	})
	for file, value := range map[string]any{
		configFile:    artifacts.Config,
		summaryFile:   artifacts.Summary,
		historyFile:   artifacts.History,
		matrixFile:    artifacts.Matrix,
		pairStatsFile: artifacts.PairStats,
	} {
		if err := writeJSON(filepath.Join(runDir, file), value); err != nil {
			return "", err
		}
	}
	if err := writeAccuracySeries(runDir, artifacts.History); err != nil {
		return "", err
	}
	return runDir, nil
}

// AppendRunIndex adds an entry, replacing any previous entry of the same run.
func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}
	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}
	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the index newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	// Equal timestamps keep the later appended entry first.
	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := entries[order[i]], entries[order[j]]
		if a.CreatedAtUTC == b.CreatedAtUTC {
			return order[i] > order[j]
		}
		return a.CreatedAtUTC > b.CreatedAtUTC
	})
	sorted := make([]RunIndexEntry, len(entries))
	for i, idx := range order {
		sorted[i] = entries[idx]
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run directory into outDir/<runID>.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}
	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}
	for _, file := range []string{configFile, summaryFile, historyFile, matrixFile, pairStatsFile, seriesFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadRunSummary(baseDir, runID string) (RunSummary, bool, error) {
	var summary RunSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, summaryFile), &summary)
	return summary, ok, err
}

func writeAccuracySeries(runDir string, history []AccuracyPoint) error {
	file, err := os.Create(filepath.Join(runDir, seriesFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"step", "mean_accuracy"}); err != nil {
		return err
	}
	for _, p := range history {
		if err := writer.Write([]string{
			strconv.Itoa(p.Step),
			strconv.FormatFloat(p.Mean, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadAccuracySeries returns the (step, mean accuracy) rows of a run.
func ReadAccuracySeries(baseDir, runID string) ([]AccuracyPoint, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, seriesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []AccuracyPoint{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("accuracy series header must have at least 2 columns")
	}

	var series []AccuracyPoint
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		step, err := strconv.Atoi(record[0])
		if err != nil {
			return nil, false, err
		}
		mean, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, AccuracyPoint{Step: step, Mean: mean})
	}
	return series, true, nil
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
