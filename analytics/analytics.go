package analytics

import (
	"github.com/felcoslop/tizap-sub000/model"
)

type DataCollectorType string

const LOG_FILE_DATA_COLLECTOR DataCollectorType = "LOG_FILE_DATA_COLLECTOR"
const NOP_DATA_COLLECTOR DataCollectorType = "NOP_DATA_COLLECTOR"

type DataCollectorConfig struct {
	FileName      string
	CollectorType DataCollectorType
}

// StepDataCollector records the outcome of every executed node.
type StepDataCollector interface {
	RecordStepSuccess(session *model.FlowSession, node *model.Node, action string)
	RecordStepFailure(session *model.FlowSession, node *model.Node, reason string)
}

func NewDataCollector(config DataCollectorConfig) (StepDataCollector, error) {
	switch config.CollectorType {
	case LOG_FILE_DATA_COLLECTOR:
		return NewLogFileDataCollector(config.FileName)
	}
	return NopDataCollector{}, nil
}

type NopDataCollector struct{}

func (NopDataCollector) RecordStepSuccess(session *model.FlowSession, node *model.Node, action string) {
}

func (NopDataCollector) RecordStepFailure(session *model.FlowSession, node *model.Node, reason string) {
}
