package storage

import (
	"encoding/json"
	"errors"

	"commgame/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// CurrentVersion stamps a record with the versions this build writes.
func CurrentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeAgentCheckpoint(c model.AgentCheckpoint) ([]byte, error) {
	return json.Marshal(c)
}

func DecodeAgentCheckpoint(data []byte) (model.AgentCheckpoint, error) {
	var checkpoint model.AgentCheckpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return model.AgentCheckpoint{}, err
	}
	if err := checkVersion(checkpoint.VersionedRecord); err != nil {
		return model.AgentCheckpoint{}, err
	}
	return checkpoint, nil
}

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeAccuracySnapshot(s model.AccuracySnapshot) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeAccuracySnapshot(data []byte) (model.AccuracySnapshot, error) {
	var snapshot model.AccuracySnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return model.AccuracySnapshot{}, err
	}
	return snapshot, nil
}

func EncodeMessageExport(e model.MessageExport) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeMessageExport(data []byte) (model.MessageExport, error) {
	var export model.MessageExport
	if err := json.Unmarshal(data, &export); err != nil {
		return model.MessageExport{}, err
	}
	return export, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
