package factories

import (
	"io"

	"voicegate/core"
)

// BuildLogger returns the process logger for s. Output goes to out in the
// configured format; when a log file is set every line is also appended to
// it as JSONL, and extra writers (the control plane) are teed in. The
// returned close function releases the file.
func BuildLogger(s LogSettings, out io.Writer, extra ...core.LogWriter) (*core.Logger, func(), error) {
	level, err := core.ParseLevel(s.Level)
	if err != nil {
		return nil, nil, &core.StartupConfigError{Key: "log.level", Reason: err.Error()}
	}

	var base *core.Logger
	switch s.Format {
	case "json":
		base = core.NewJSONLogger(out, level)
	case "text", "":
		base = core.NewTextLogger(out, level)
	default:
		return nil, nil, &core.StartupConfigError{Key: "log.format", Reason: "must be text or json"}
	}

	writers := append([]core.LogWriter(nil), extra...)
	closeFn := func() {}
	if s.File != "" {
		fw, err := core.NewFileLogWriter(s.File)
		if err != nil {
			return nil, nil, &core.StartupConfigError{Key: "log.file", Reason: err.Error()}
		}
		writers = append(writers, fw)
		closeFn = fw.Close
	}
	if len(writers) == 0 {
		return base, closeFn, nil
	}
	return core.NewTeeLogger(base, writers...), closeFn, nil
}
