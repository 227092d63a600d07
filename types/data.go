package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// DataType classifies the content carried by a ProcessedData item.
type DataType string

const (
	DataTypeText       DataType = "text"
	DataTypeImage      DataType = "image"
	DataTypeVideo      DataType = "video"
	DataTypeAudio      DataType = "audio"
	DataTypeCode       DataType = "code"
	DataTypeStructured DataType = "structured"
	DataTypeEmbedding  DataType = "embedding"
)

// Valid reports whether d is a known data type.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeText, DataTypeImage, DataTypeVideo, DataTypeAudio,
		DataTypeCode, DataTypeStructured, DataTypeEmbedding:
		return true
	}
	return false
}

// ProcessingStage identifies where in a pipeline a node operates.
type ProcessingStage string

const (
	StageExtraction     ProcessingStage = "extraction"
	StageTransformation ProcessingStage = "transformation"
	StageValidation     ProcessingStage = "validation"
	StageEnrichment     ProcessingStage = "enrichment"
	StageStorage        ProcessingStage = "storage"
)

// Valid reports whether s is a known processing stage.
func (s ProcessingStage) Valid() bool {
	switch s {
	case StageExtraction, StageTransformation, StageValidation,
		StageEnrichment, StageStorage:
		return true
	}
	return false
}

// RequiredStages lists the stages every pipeline configuration must cover.
func RequiredStages() []ProcessingStage {
	return []ProcessingStage{StageExtraction, StageValidation, StageStorage}
}

// ProcessingMetadata describes how a ProcessedData item was produced.
type ProcessingMetadata struct {
	SourceID          string           `json:"source_id"`
	Timestamp         time.Time        `json:"timestamp"`
	ProcessingTime    time.Duration    `json:"processing_time"`
	AgentID           string           `json:"agent_id"`
	Stage             ProcessingStage  `json:"stage"`
	Transformations   []string         `json:"transformations,omitempty"`
	ValidationResults []map[string]any `json:"validation_results,omitempty"`
}

// ProcessedData is the payload flowing between pipeline nodes.
type ProcessedData struct {
	DataID       string             `json:"data_id"`
	DataType     DataType           `json:"data_type"`
	Content      any                `json:"content"`
	Metadata     ProcessingMetadata `json:"metadata"`
	Confidence   float64            `json:"confidence"`
	Dependencies []string           `json:"dependencies,omitempty"`
}

// Validate checks structural invariants: a data id, a known data type and a
// confidence within [0, 1].
func (p *ProcessedData) Validate() error {
	if p.DataID == "" {
		return NewValidationError("processed data missing data_id")
	}
	if !p.DataType.Valid() {
		return NewValidationError("processed data %q has unknown data_type %q", p.DataID, p.DataType)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return NewValidationError("processed data %q confidence %v outside [0, 1]", p.DataID, p.Confidence)
	}
	return nil
}

// DecodeProcessedData converts a value produced by an agent back into a
// ProcessedData. Agents running in-process hand back live structs; tasks
// that crossed a queue boundary hand back JSON-decoded maps. Both are
// accepted.
func DecodeProcessedData(v any) (*ProcessedData, error) {
	switch d := v.(type) {
	case *ProcessedData:
		return d, nil
	case ProcessedData:
		return &d, nil
	case map[string]any:
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("encode processed data map: %w", err)
		}
		var out ProcessedData
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode processed data map: %w", err)
		}
		return &out, nil
	default:
		return nil, NewValidationError("cannot decode %T as processed data", v)
	}
}

// DecodeProcessedDataSlice converts a heterogeneous slice of agent output
// values into ProcessedData items, skipping nothing: one bad element fails
// the whole decode.
func DecodeProcessedDataSlice(v any) ([]*ProcessedData, error) {
	items, ok := v.([]any)
	if !ok {
		if typed, okTyped := v.([]*ProcessedData); okTyped {
			return typed, nil
		}
		return nil, NewValidationError("cannot decode %T as processed data list", v)
	}
	out := make([]*ProcessedData, 0, len(items))
	for i, item := range items {
		pd, err := DecodeProcessedData(item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, pd)
	}
	return out, nil
}
