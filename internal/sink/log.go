package sink

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// Log writes records to the module logger. Records carrying an inference
// result are always logged; the others one in every EveryN.
type Log struct {
	everyN uint64
	seen   atomic.Uint64
	log    *logger.ModuleLogger
}

// NewLog creates a log sink. everyN < 1 logs every record.
func NewLog(everyN int, log *logger.ModuleLogger) *Log {
	if everyN < 1 {
		everyN = 1
	}
	if log == nil {
		log = logger.For("Records")
	}
	return &Log{everyN: uint64(everyN), log: log}
}

func (l *Log) Send(_ context.Context, rec types.Record) error {
	n := l.seen.Add(1)
	if !rec.HasResult && (n-1)%l.everyN != 0 {
		return nil
	}
	l.log.Info("#%d cam=%.1ffps inf=%.1ffps %s",
		rec.Seq, rec.FPS.Camera, rec.FPS.Inference, formatFields(rec.Fields))
	return nil
}

func (l *Log) Finish(_ context.Context, s types.Summary) error {
	l.log.Info("session %s %s after %v: read=%d processed=%d dropped=%d results=%d %s",
		s.SessionID, s.State, s.Duration(), s.FramesRead, s.FramesProcessed,
		s.FramesDropped, s.Results, formatFields(s.Fields))
	return nil
}

// formatFields renders outputs as key=value in key order
func formatFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formatValue(fields[k]))
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case float64:
		return fmt.Sprintf("%.3f", x)
	case []float64:
		parts := make([]string, len(x))
		for i, f := range x {
			parts[i] = fmt.Sprintf("%.3f", f)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case []types.Prediction:
		if len(x) == 0 {
			return "[]"
		}
		return fmt.Sprintf("%s(%.2f)", x[0].Label, x[0].Score)
	default:
		return fmt.Sprint(x)
	}
}
