package stream

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/awsl-project/agproxy/internal/domain"
)

// Pipeline pumps one upstream response stream through a parser, feeds
// the normalized events to the sink and the downstream writer, and
// terminates the client envelope even when the upstream cuts off
// without a finish reason.
type Pipeline struct {
	parser Parser
	writer Writer
	sink   Sink

	resume     ResumeFunc
	maxResumes int

	thinkingText strings.Builder
	mainText     strings.Builder
	lastSig      string
}

// ResumeFunc reopens upstream generation after a stream was cut off
// before its finish reason; partialText is the visible text produced so
// far. The pipeline closes the returned body.
type ResumeFunc func(ctx context.Context, partialText string) (io.ReadCloser, error)

func NewPipeline(parser Parser, writer Writer, sink Sink) *Pipeline {
	if sink == nil {
		sink = NopSink{}
	}
	return &Pipeline{parser: parser, writer: writer, sink: sink}
}

// WithResume bounds how many times a truncated stream is reopened
// before the pipeline synthesizes the finish itself.
func (p *Pipeline) WithResume(fn ResumeFunc, maxAttempts int) *Pipeline {
	p.resume = fn
	p.maxResumes = maxAttempts
	return p
}

// Run reads the upstream body until EOF or context cancellation and
// writes translated output to w, flushing after every emission. A
// truncated stream is resumed up to the configured attempt budget; only
// when that is exhausted does the client envelope get a synthesized
// termination.
func (p *Pipeline) Run(ctx context.Context, body io.Reader, w io.Writer) error {
	flusher, _ := w.(http.Flusher)
	current := body
	attempts := 0

	for {
		done, err := p.pump(ctx, current, w, flusher)
		if current != body {
			if c, ok := current.(io.Closer); ok {
				c.Close()
			}
		}

		truncated := err == nil && !done && !p.writer.SawFinish()
		interrupted := err == domain.ErrStreamInterrupted
		if (truncated || interrupted) && p.resume != nil && attempts < p.maxResumes {
			attempts++
			log.Printf("[Stream] upstream truncated, resume attempt %d/%d", attempts, p.maxResumes)
			next, rerr := p.resume(ctx, p.mainText.String())
			if rerr == nil {
				current = next
				continue
			}
			log.Printf("[Stream] resume failed: %v", rerr)
		}

		if err != nil && ctx.Err() == nil && !interrupted {
			// Client write failure; nothing left to terminate.
			return err
		}
		p.finish(w, flusher)
		return err
	}
}

// pump drains one upstream body. It reports done on the [DONE]
// terminator, ErrStreamInterrupted on a read failure, and nil on EOF.
func (p *Pipeline) pump(ctx context.Context, body io.Reader, w io.Writer, flusher http.Flusher) (bool, error) {
	buf := make([]byte, 32*1024)
	var pending string

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			events, rest := ParseSSE(pending + string(buf[:n]))
			pending = rest
			for _, sse := range events {
				if sse.Done {
					return true, nil
				}
				if err := p.dispatch(sse, w, flusher); err != nil {
					return false, err
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return false, nil
			}
			log.Printf("[Stream] upstream read error: %v", readErr)
			return false, domain.ErrStreamInterrupted
		}
	}
}

func (p *Pipeline) dispatch(sse SSEEvent, w io.Writer, flusher http.Flusher) error {
	events, err := p.parser.Parse(sse.Event, sse.Data)
	if err != nil {
		log.Printf("[Stream] unparseable chunk skipped: %v", err)
		return nil
	}
	for _, ev := range events {
		p.observe(ev)
		if err := p.emit(ev, w, flusher); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) observe(ev Event) {
	switch ev.Type {
	case EventThinkingDelta:
		p.thinkingText.WriteString(ev.Text)
	case EventTextDelta:
		p.mainText.WriteString(ev.Text)
	case EventSignature:
		p.lastSig = ev.Signature
		p.sink.OnSignature(ev.Signature, p.thinkingText.String())
	case EventToolCall:
		if ev.Signature != "" && ev.Signature != p.lastSig {
			p.lastSig = ev.Signature
			p.sink.OnSignature(ev.Signature, p.thinkingText.String())
		}
		p.sink.OnToolCall(ev.ToolID, ev.ToolName, ev.ToolArgs)
		p.sink.OnBlock(domain.ToolUseBlock(ev.ToolID, ev.ToolName, ev.ToolArgs))
	case EventUsage:
		p.sink.OnUsage(ev.Usage)
	case EventFinish:
		p.flushBlocks()
	}
}

// flushBlocks hands the assembled assistant turn to the sink, thinking
// first, for conversation writeback.
func (p *Pipeline) flushBlocks() {
	if p.thinkingText.Len() > 0 || p.lastSig != "" {
		p.sink.OnBlock(domain.ThinkingBlockOf(p.thinkingText.String(), p.lastSig))
		p.thinkingText.Reset()
	}
	if p.mainText.Len() > 0 {
		p.sink.OnBlock(domain.TextBlock(p.mainText.String()))
		p.mainText.Reset()
	}
}

func (p *Pipeline) emit(ev Event, w io.Writer, flusher http.Flusher) error {
	out := p.writer.Emit(ev)
	if len(out) == 0 {
		return nil
	}
	if _, err := w.Write(out); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

func (p *Pipeline) finish(w io.Writer, flusher http.Flusher) {
	for _, ev := range p.parser.Flush() {
		p.observe(ev)
		_ = p.emit(ev, w, flusher)
	}
	if !p.writer.SawFinish() {
		log.Printf("[Stream] upstream ended without finish reason, synthesizing termination")
		p.flushBlocks()
	}
	if out := p.writer.Close(); len(out) > 0 {
		_, _ = w.Write(out)
		if flusher != nil {
			flusher.Flush()
		}
	}
}
