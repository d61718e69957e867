package api

import (
	"bytes"
	"io"

	"prism-board/internal/consts"
)

// writeEvent writes one SSE frame. Multi-line data is split into several
// data fields.
func writeEvent(w io.Writer, id, event string, data []byte) error {
	var buf bytes.Buffer
	if id != "" {
		buf.WriteString(consts.SSEIDPrefix)
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	if event != "" {
		buf.WriteString(consts.SSEEventPrefix)
		buf.WriteString(event)
		buf.WriteByte('\n')
	}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		buf.WriteString(consts.SSEDataPrefix)
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
