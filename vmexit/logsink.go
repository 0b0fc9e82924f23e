package vmexit

import (
	"bytes"
	"io"
	"os"

	"github.com/hyperlight-dev/hyperlight-go/internal/hlog"
)

// Sink is the LOG-port destination a Handler forwards records through.
// Adapted from serial.Serial's output io.Writer/SetOutput field
// (serial/serial.go): the UART register emulation around it (LCR, IER,
// the baud-rate divisor latch) has no equivalent here, since the guest
// never holds a real serial port open -- a log record is just bytes
// staged in a shared-memory buffer before one outb.
type Sink struct {
	logger *hlog.Logger
	output io.Writer
}

// NewSink returns a Sink that formats records through logger. If logger
// is nil, records are written to w (or os.Stdout if w is nil too)
// without level filtering -- used by callers that want raw passthrough
// instead of the leveled façade.
func NewSink(logger *hlog.Logger, w io.Writer) *Sink {
	if w == nil {
		w = os.Stdout
	}

	return &Sink{logger: logger, output: w}
}

// SetOutput redirects raw (logger == nil) output to w, mirroring
// serial.Serial.SetOutput.
func (s *Sink) SetOutput(w io.Writer) {
	s.output = w
}

// Emit logs one LOG-port record at level, tagged with corrID. With a
// non-nil logger it goes through hlog's level filter and timestamping;
// otherwise it is written to output as a plain line.
func (s *Sink) Emit(level hlog.Level, corrID, record string) {
	if s.logger != nil {
		s.logger.Logf(level, corrID, "%s", record)

		return
	}

	io.WriteString(s.output, "["+level.String()+"] "+record+"\n") //nolint:errcheck
}

// decodeLogRecord trims the trailing NUL padding a guest may leave in a
// reused region (spec §4.6: regions are not zeroed between calls, only
// their length header is) down to the record's actual text.
func decodeLogRecord(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}

	return string(buf)
}
