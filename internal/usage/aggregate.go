package usage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const (
	defaultAggregateConcurrency = 4
	maxLogLineBytes             = 4 * 1024 * 1024
)

// toolUseMarker is a textual approximation of a tool invocation record.
var toolUseMarker = regexp.MustCompile(`"type"\s*:\s*"tool_use"`)

type journalLine struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Message   *journalMessage `json:"message"`
}

type journalMessage struct {
	Model string        `json:"model"`
	Usage *journalUsage `json:"usage"`
}

type journalUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Aggregate is the result of one aggregation pass over a set of logs.
type Aggregate struct {
	Messages     int64
	ToolCalls    int64
	Tokens       int64
	ModelTokens  ModelTokens
	Sessions     int64
	SkippedLines int64
}

func (a *Aggregate) add(other Aggregate) {
	a.Messages += other.Messages
	a.ToolCalls += other.ToolCalls
	a.Tokens += other.Tokens
	a.Sessions += other.Sessions
	a.SkippedLines += other.SkippedLines
	if a.ModelTokens == nil {
		a.ModelTokens = ModelTokens{}
	}
	a.ModelTokens.merge(other.ModelTokens)
}

// EventAggregator parses session logs into message, tool call, and token
// counts.
type EventAggregator struct {
	fs          afero.Fs
	concurrency int
}

func NewEventAggregator(fs afero.Fs, concurrency int) *EventAggregator {
	if concurrency <= 0 {
		concurrency = defaultAggregateConcurrency
	}
	return &EventAggregator{fs: fs, concurrency: concurrency}
}

// Aggregate reads every path and sums their events. When since is non-nil
// only events whose timestamp parses and is not before *since are counted.
// Unreadable files and malformed lines contribute nothing.
func (a *EventAggregator) Aggregate(ctx context.Context, paths []string, since *time.Time) Aggregate {
	paths = lo.Uniq(paths)
	results := make([]Aggregate, len(paths))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(a.concurrency)
	for i, path := range paths {
		eg.Go(func() error {
			if egCtx.Err() != nil {
				return nil
			}
			results[i] = a.aggregateFile(path, since)
			return nil
		})
	}
	_ = eg.Wait()

	out := Aggregate{ModelTokens: ModelTokens{}}
	for _, r := range results {
		out.add(r)
	}
	return out
}

func (a *EventAggregator) aggregateFile(path string, since *time.Time) Aggregate {
	out := Aggregate{ModelTokens: ModelTokens{}}
	f, err := a.fs.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()

	lines := newLineReader(f, maxLogLineBytes)

	var sawEvent bool
	for {
		line, tooLong, err := lines.next()
		if err != nil {
			break
		}
		if tooLong {
			out.SkippedLines++
			continue
		}
		if len(line) == 0 {
			continue
		}

		var rec journalLine
		parsed := json.Unmarshal(line, &rec) == nil
		if !parsed {
			out.SkippedLines++
		}
		if since != nil && (!parsed || !inWindow(rec.Timestamp, *since)) {
			continue
		}

		out.ToolCalls += int64(len(toolUseMarker.FindAllIndex(line, -1)))
		if !parsed {
			continue
		}

		switch rec.Type {
		case "user":
			out.Messages++
			sawEvent = true
		case "assistant":
			out.Messages++
			sawEvent = true
			if rec.Message != nil && rec.Message.Usage != nil {
				tokens := rec.Message.Usage.InputTokens + rec.Message.Usage.OutputTokens
				out.Tokens += tokens
				out.ModelTokens.add(NormalizeModel(rec.Message.Model), tokens)
			}
		}
	}
	if sawEvent {
		out.Sessions = 1
	}
	return out
}

// lineReader yields newline-separated lines. A line over max bytes is
// consumed in full and reported as too long so reading can continue.
type lineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func newLineReader(r io.Reader, limit int) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), max: limit}
}

// next returns the following line without its line ending. The slice is
// only valid until the next call. io.EOF is returned once input is drained.
func (l *lineReader) next() (line []byte, tooLong bool, err error) {
	l.buf = l.buf[:0]
	for {
		chunk, err := l.r.ReadSlice('\n')
		if !tooLong {
			l.buf = append(l.buf, chunk...)
			if len(bytes.TrimRight(l.buf, "\r\n")) > l.max {
				tooLong = true
				l.buf = l.buf[:0]
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil:
			return bytes.TrimRight(l.buf, "\r\n"), tooLong, nil
		case errors.Is(err, io.EOF) && (len(l.buf) > 0 || tooLong):
			return bytes.TrimRight(l.buf, "\r\n"), tooLong, nil
		default:
			return nil, false, err
		}
	}
}

func inWindow(raw string, since time.Time) bool {
	t, ok := parseTimestamp(raw)
	if !ok {
		return false
	}
	return !t.Before(since)
}
