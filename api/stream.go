package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Upload is one file attachment sent with a generation request.
type Upload struct {
	Name     string
	MimeType string
	Reader   io.Reader
}

// ChatRequest is one generation request.
type ChatRequest struct {
	Message    string
	Model      string
	UserID     string // session id
	History    []Turn
	Files      []Upload
	Meta       map[string]interface{}
	WebSearch  bool
	Censorship bool
	Bearer     string // guest session token, if any
}

// Sink receives decoded stream events. It is called synchronously from the
// read loop, in arrival order, and receives exactly one terminal event:
// either a Completion or a Failure.
type Sink func(Event)

// recordSeparator frames the backend's event stream: each record is a
// `data: <json>` payload terminated by a blank line.
var recordSeparator = []byte("\n\n")

const dataPrefix = "data: "

// Chat issues a generation request and feeds decoded events to sink.
//
// If the response is an event stream, records are decoded incrementally; a
// trailing partial record is held back until more bytes arrive, and records
// that fail to parse are logged and dropped without ending the stream. If the
// response is a single JSON document, it is delivered as one Completion.
//
// Canceling ctx stops consumption at the next read boundary and terminates
// the stream with Completion{Aborted: true}; any other network failure
// terminates it with a single Failure. Chat never retries.
func (c *Client) Chat(ctx context.Context, req ChatRequest, sink Sink) {
	body, contentType, err := encodeChatForm(req)
	if err != nil {
		sink(Failure{Err: err})
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", body)
	if err != nil {
		sink(Failure{Err: fmt.Errorf("create request: %w", err)})
		return
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "text/event-stream, application/json")
	if req.Bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Bearer)
	}

	// No client timeout: a generation stream legitimately outlives any fixed
	// deadline. The caller bounds it through ctx.
	streamClient := &http.Client{Transport: c.httpClient.Transport}

	resp, err := streamClient.Do(httpReq)
	if err != nil {
		c.terminate(ctx, sink, nil, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		sink(Failure{Err: decodeHTTPError(resp)})
		return
	}

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		var rec record
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			c.terminate(ctx, sink, nil, fmt.Errorf("decode response: %w", err))
			return
		}
		final := Completion{}
		for _, ev := range classify(rec, &final) {
			sink(ev)
		}
		if rec.Reply != "" {
			final.Reply = rec.Reply
		}
		sink(final)
		return
	}

	c.readStream(ctx, resp.Body, sink)
}

func (c *Client) readStream(ctx context.Context, body io.Reader, sink Sink) {
	var buf bytes.Buffer
	final := Completion{}
	chunk := make([]byte, 4096)

	for {
		if ctx.Err() != nil {
			sink(Completion{Aborted: true, SessionToken: final.SessionToken})
			return
		}

		n, err := body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			for {
				idx := bytes.Index(buf.Bytes(), recordSeparator)
				if idx < 0 {
					break
				}
				raw := string(buf.Next(idx + len(recordSeparator)))
				c.decodeRecord(strings.TrimRight(raw, "\n"), &final, sink)
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			c.terminate(ctx, sink, &final, err)
			return
		}
	}

	sink(final)
}

// decodeRecord parses one framed record and forwards its events. A record
// that is not data-prefixed or does not parse is dropped; one bad record must
// never abort the stream.
func (c *Client) decodeRecord(raw string, final *Completion, sink Sink) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	if !strings.HasPrefix(raw, dataPrefix) {
		c.log.Debug("ignoring unframed stream record", zap.String("record", raw))
		return
	}

	var rec record
	if err := json.Unmarshal([]byte(raw[len(dataPrefix):]), &rec); err != nil {
		c.log.Warn("discarding malformed stream record", zap.Error(err))
		return
	}

	for _, ev := range classify(rec, final) {
		sink(ev)
	}
}

// terminate delivers the terminal event for a failed read: cancellation
// resolves to an aborted Completion, anything else to a Failure.
func (c *Client) terminate(ctx context.Context, sink Sink, final *Completion, err error) {
	if ctx.Err() != nil {
		done := Completion{Aborted: true}
		if final != nil {
			done.SessionToken = final.SessionToken
		}
		sink(done)
		return
	}
	sink(Failure{Err: err})
}

func encodeChatForm(req ChatRequest) (io.Reader, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	history := req.History
	if history == nil {
		history = []Turn{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, "", fmt.Errorf("marshal history: %w", err)
	}

	fields := map[string]string{
		"message":    req.Message,
		"model":      req.Model,
		"user_id":    req.UserID,
		"history":    string(historyJSON),
		"webSearch":  strconv.FormatBool(req.WebSearch),
		"censorship": strconv.FormatBool(req.Censorship),
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("write form field %s: %w", name, err)
		}
	}

	if len(req.Meta) > 0 {
		metaJSON, err := json.Marshal(req.Meta)
		if err == nil {
			w.WriteField("meta", string(metaJSON))
		}
	}

	for i, f := range req.Files {
		part, err := w.CreateFormFile(fmt.Sprintf("file%d", i), f.Name)
		if err != nil {
			return nil, "", fmt.Errorf("create file part: %w", err)
		}
		if _, err := io.Copy(part, f.Reader); err != nil {
			return nil, "", fmt.Errorf("copy file %s: %w", f.Name, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}
