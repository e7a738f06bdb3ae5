package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/neboloop/conductor/internal/logging"
)

const (
	framePrefix    = "data:"
	frameDelimiter = "\n\n"

	readChunkSize = 4096
)

// Handlers routes decoded chunks to the interested party. Nil entries drop
// their chunks. OnTurnOpen fires lazily, exactly once per dispatch, before
// the first text or tool_start chunk, so a turn that only carries side
// effects never opens an empty assistant message.
type Handlers struct {
	OnTurnOpen  func()
	OnText      func(TextChunk)
	OnToolStart func(ToolStartChunk)
	OnToolEnd   func(ToolEndChunk)
	OnToolError func(ToolErrorChunk)
	OnProposal  func(ProposalChunk)
	OnQuestions func(QuestionsChunk)
	OnDone      func(DoneChunk)
	OnError     func(ErrorChunk)
	OnUnknown   func(kind string, raw []byte)
}

// Dispatcher reads a framed response body and routes each complete frame.
// One dispatcher can serve consecutive streams; per-stream state lives in
// the Dispatch call.
type Dispatcher struct {
	readSize int
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{readSize: readChunkSize}
}

// Dispatch consumes the body until it reports completion. Trailing partial
// frames are buffered across reads, malformed frames are skipped, and a
// done chunk does not stop the loop. Read failures surface as a single
// terminal error.
func (d *Dispatcher) Dispatch(ctx context.Context, body io.Reader, h Handlers) error {
	buf := make([]byte, d.readSize)
	var pending []byte
	turnOpen := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := body.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			var frames [][]byte
			frames, pending = DecodeFrames(pending)
			for _, frame := range frames {
				d.route(frame, h, &turnOpen)
			}
		}
		if err == io.EOF {
			// A final frame the producer never terminated is still
			// worth a decode attempt; junk is skipped like any other
			// malformed frame.
			if rest := bytes.TrimSpace(pending); len(rest) > 0 {
				d.route(rest, h, &turnOpen)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
	}
}

// DecodeFrames splits buffered bytes into completed frames and returns the
// trailing partial frame, which the caller must carry into the next read.
func DecodeFrames(buf []byte) (frames [][]byte, rest []byte) {
	for {
		idx := bytes.Index(buf, []byte(frameDelimiter))
		if idx < 0 {
			return frames, buf
		}
		frames = append(frames, buf[:idx])
		buf = buf[idx+len(frameDelimiter):]
	}
}

// route decodes one frame and invokes its handler. Frames without the data
// prefix (comments, keepalives) and frames with malformed JSON are dropped
// without aborting the stream.
func (d *Dispatcher) route(frame []byte, h Handlers, turnOpen *bool) {
	line := bytes.TrimSpace(frame)
	if !bytes.HasPrefix(line, []byte(framePrefix)) {
		return
	}
	payload := bytes.TrimSpace(line[len(framePrefix):])
	if len(payload) == 0 {
		return
	}
	chunk, err := DecodeChunk(payload)
	if err != nil {
		logging.Debugf("stream: skipping malformed frame: %v", err)
		return
	}

	switch c := chunk.(type) {
	case TextChunk:
		d.openTurn(h, turnOpen)
		if h.OnText != nil {
			h.OnText(c)
		}
	case ToolStartChunk:
		d.openTurn(h, turnOpen)
		if h.OnToolStart != nil {
			h.OnToolStart(c)
		}
	case ToolEndChunk:
		if h.OnToolEnd != nil {
			h.OnToolEnd(c)
		}
	case ToolErrorChunk:
		if h.OnToolError != nil {
			h.OnToolError(c)
		}
	case ProposalChunk:
		if h.OnProposal != nil {
			h.OnProposal(c)
		}
	case QuestionsChunk:
		if h.OnQuestions != nil {
			h.OnQuestions(c)
		}
	case DoneChunk:
		if h.OnDone != nil {
			h.OnDone(c)
		}
	case ErrorChunk:
		if h.OnError != nil {
			h.OnError(c)
		}
	case UnknownChunk:
		logging.Debugf("stream: unhandled chunk type %q", c.Type)
		if h.OnUnknown != nil {
			h.OnUnknown(c.Type, c.Raw)
		}
	}
}

func (d *Dispatcher) openTurn(h Handlers, turnOpen *bool) {
	if *turnOpen {
		return
	}
	*turnOpen = true
	if h.OnTurnOpen != nil {
		h.OnTurnOpen()
	}
}
