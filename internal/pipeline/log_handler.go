package pipeline

import (
	"go.uber.org/zap"
)

// LogHandler writes every result to the logger. Frames with detections are
// logged at info level, empty ones at debug level.
type LogHandler struct {
	logger *zap.SugaredLogger
	labels map[int]string
}

// NewLogHandler creates a logging result handler. labels maps class ids to
// names and may be nil.
func NewLogHandler(logger *zap.SugaredLogger, labels map[int]string) *LogHandler {
	return &LogHandler{logger: logger, labels: labels}
}

func (h *LogHandler) OnResult(result *Result) {
	if len(result.Detections) == 0 {
		h.logger.Debugw("No detections", "frame", result.FrameSeq, "raw", result.RawCount)
		return
	}

	names := make([]string, 0, len(result.Detections))
	for _, d := range result.Detections {
		if name, ok := h.labels[d.Label]; ok {
			names = append(names, name)
		} else {
			names = append(names, d.String())
		}
	}

	h.logger.Infow("Detections",
		"frame", result.FrameSeq,
		"count", len(result.Detections),
		"raw", result.RawCount,
		"inference_ms", result.InferenceMs,
		"objects", names,
	)
}

var _ ResultHandler = (*LogHandler)(nil)
