package analytics

import (
	"os"

	"github.com/felcoslop/tizap-sub000/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ StepDataCollector = new(LogFileDataCollector)

type LogFileDataCollector struct {
	fileName string
	logger   *zap.Logger
}

func NewLogFileDataCollector(fileName string) (*LogFileDataCollector, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	encoderConfig.CallerKey = ""
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(logFile), zapcore.InfoLevel)
	return &LogFileDataCollector{
		fileName: fileName,
		logger:   zap.New(core),
	}, nil
}

func sessionFields(session *model.FlowSession, node *model.Node) []zap.Field {
	return []zap.Field{
		zap.String("session", session.Id),
		zap.String("graph", session.GraphKey()),
		zap.String("contact", session.ContactPhone),
		zap.String("node", node.Id),
		zap.String("nodeType", string(node.Type)),
	}
}

func (lc *LogFileDataCollector) RecordStepSuccess(session *model.FlowSession, node *model.Node, action string) {
	lc.logger.Info("success", append(sessionFields(session, node), zap.String("action", action))...)
}

func (lc *LogFileDataCollector) RecordStepFailure(session *model.FlowSession, node *model.Node, reason string) {
	lc.logger.Info("failure", append(sessionFields(session, node), zap.String("reason", reason))...)
}

func (lc *LogFileDataCollector) Sync() error {
	return lc.logger.Sync()
}
