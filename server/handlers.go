package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"voicegate/core"
	"voicegate/gateway"
)

const multipartMemory = 8 << 20

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Voice    string        `json:"voice,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	ID          string       `json:"id"`
	Object      string       `json:"object"`
	Created     int64        `json:"created"`
	Model       string       `json:"model"`
	Choices     []chatChoice `json:"choices"`
	Audio       string       `json:"audio"`
	ContentType string       `json:"content_type"`
}

type speechRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice,omitempty"`
}

type healthResponse struct {
	Status               string  `json:"status"`
	ConversationMessages int     `json:"conversation_messages"`
	ContextUsage         float64 `json:"context_usage"`
	ContextTokens        int     `json:"context_tokens"`
	MaxContext           int     `json:"max_context"`
	Sessions             int     `json:"sessions"`
}

// handleHealth reports the request session's size without touching it.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	session, err := rt.session(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats := rt.store.Stats(session)
	writeJSON(w, http.StatusOK, healthResponse{
		Status:               "ok",
		ConversationMessages: stats.Turns,
		ContextUsage:         stats.Usage,
		ContextTokens:        stats.Tokens,
		MaxContext:           rt.store.Budgeter().MaxContext(),
		Sessions:             rt.store.Len(),
	})
}

func (rt *Router) handleVoices(w http.ResponseWriter, r *http.Request) {
	body, err := rt.backend.Voices(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// handleChat runs one text turn and answers with the reply text and its
// buffered audio.
func (rt *Router) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run := newTurnRun("chat", core.LoggerFromContext(ctx), rt.metrics)
	defer run.finish()

	var req chatRequest
	session, content, err := rt.validateChat(w, r, &req)
	if err != nil {
		rt.fail(w, run, err)
		return
	}
	ctx = withSession(ctx, run, session)
	run.advance(StateValidated)

	reply, err := rt.converse(ctx, run, session, content)
	if err != nil {
		rt.fail(w, run, err)
		return
	}

	run.advance(StateSynthesizing)
	audio, err := rt.backend.Synthesize(ctx, reply, req.Voice)
	if err != nil {
		rt.fail(w, run, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: string(core.RoleAssistant), Content: reply},
			FinishReason: "stop",
		}},
		Audio:       base64.StdEncoding.EncodeToString(audio),
		ContentType: core.AudioContentType,
	})
	run.advance(StateCompleted)
}

// validateChat decodes the body and extracts the new user turn: the content
// of the last message. Earlier messages are ignored; the server owns history.
func (rt *Router) validateChat(w http.ResponseWriter, r *http.Request, req *chatRequest) (string, string, error) {
	session, err := rt.session(r)
	if err != nil {
		return "", "", err
	}
	if err := decodeJSON(w, r, req); err != nil {
		return "", "", err
	}
	if len(req.Messages) == 0 {
		return "", "", core.Invalid("messages", "must contain at least one message")
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "" && last.Role != string(core.RoleUser) {
		return "", "", core.Invalid("messages", "last message must have role user, got %q", last.Role)
	}
	if err := checkText("content", last.Content, rt.limits.MaxChatChars); err != nil {
		return "", "", err
	}
	if err := checkVoice(req.Voice); err != nil {
		return "", "", err
	}
	return session, last.Content, nil
}

// converse records the user turn, runs the budget pass, completes over the
// trimmed history and records the reply. No lock is held across Complete.
func (rt *Router) converse(ctx context.Context, run *turnRun, session, userText string) (string, error) {
	if _, err := rt.store.AppendTurn(ctx, session, core.RoleUser, userText); err != nil {
		return "", err
	}
	run.advance(StateHistoryUpdated)
	rt.store.Enforce(session)

	history := rt.store.Snapshot(session)
	run.advance(StateInferring)
	reply, err := rt.backend.Complete(ctx, history)
	if err != nil {
		return "", err
	}

	if _, err := rt.store.AppendTurn(ctx, session, core.RoleAssistant, reply); err != nil {
		// The reply is the backend's output, not the client's input.
		return "", fmt.Errorf("record assistant turn: %v", err)
	}
	run.advance(StateResponseRecorded)
	return reply, nil
}

// handleSpeech is synthesis only; the conversation store is not touched.
func (rt *Router) handleSpeech(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run := newTurnRun("speech", core.LoggerFromContext(ctx), rt.metrics)
	defer run.finish()

	var req speechRequest
	if err := rt.validateSpeech(w, r, &req); err != nil {
		rt.fail(w, run, err)
		return
	}
	run.advance(StateValidated)

	run.advance(StateSynthesizing)
	audio, err := rt.backend.Synthesize(ctx, req.Input, req.Voice)
	if err != nil {
		rt.fail(w, run, err)
		return
	}
	w.Header().Set("Content-Type", core.AudioContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	w.Write(audio)
	run.advance(StateCompleted)
}

func (rt *Router) handleSpeechStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run := newTurnRun("speech_stream", core.LoggerFromContext(ctx), rt.metrics)
	defer run.finish()

	var req speechRequest
	if err := rt.validateSpeech(w, r, &req); err != nil {
		rt.fail(w, run, err)
		return
	}
	run.advance(StateValidated)

	run.advance(StateSynthesizing)
	stream, err := rt.backend.SynthesizeStream(ctx, req.Input, req.Voice)
	if err != nil {
		rt.fail(w, run, err)
		return
	}
	rt.streamAudio(w, run, stream)
}

func (rt *Router) validateSpeech(w http.ResponseWriter, r *http.Request, req *speechRequest) error {
	if err := decodeJSON(w, r, req); err != nil {
		return err
	}
	if err := checkText("input", req.Input, rt.limits.MaxSpeechChars); err != nil {
		return err
	}
	return checkVoice(req.Voice)
}

// handleProcess runs a full voice turn: transcribe the upload, converse,
// then stream the spoken reply. The transcript and reply text travel in
// headers because the body carries only audio.
func (rt *Router) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run := newTurnRun("process", core.LoggerFromContext(ctx), rt.metrics)
	defer run.finish()

	session, err := rt.session(r)
	if err != nil {
		rt.fail(w, run, err)
		return
	}
	ctx = withSession(ctx, run, session)

	audio, filename, voice, err := rt.readUpload(w, r)
	if err != nil {
		rt.fail(w, run, err)
		return
	}
	run.advance(StateValidated)

	run.advance(StateTranscribing)
	transcript, err := rt.backend.Transcribe(ctx, audio, filename)
	if err != nil {
		rt.fail(w, run, err)
		return
	}
	if strings.TrimSpace(transcript) == "" {
		rt.fail(w, run, core.Invalid("transcript", "no speech detected"))
		return
	}
	if err := checkText("transcript", transcript, rt.limits.MaxChatChars); err != nil {
		rt.fail(w, run, err)
		return
	}

	reply, err := rt.converse(ctx, run, session, transcript)
	if err != nil {
		rt.fail(w, run, err)
		return
	}

	run.advance(StateSynthesizing)
	stream, err := rt.backend.SynthesizeStream(ctx, reply, voice)
	if err != nil {
		rt.fail(w, run, err)
		return
	}
	w.Header().Set("X-Transcript", headerValue(transcript))
	w.Header().Set("X-Response-Text", headerValue(reply))
	rt.streamAudio(w, run, stream)
}

// readUpload parses the multipart form: an "audio" file part and an
// optional "voice" field.
func (rt *Router) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, rt.limits.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", "", core.Invalid("audio", "upload exceeds %d bytes", tooLarge.Limit)
		}
		return nil, "", "", core.Invalid("body", "malformed multipart form: %v", err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		return nil, "", "", core.Invalid("audio", "missing audio file")
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		return nil, "", "", core.Invalid("audio", "unreadable audio file: %v", err)
	}
	if len(audio) == 0 {
		return nil, "", "", core.Invalid("audio", "audio file is empty")
	}

	voice := r.FormValue("voice")
	if err := checkVoice(voice); err != nil {
		return nil, "", "", err
	}
	return audio, header.Filename, voice, nil
}

// streamAudio forwards chunks as they arrive. Once headers are committed a
// failure can only end the response early: a gone client just stops the
// loop, a broken upstream aborts the connection so the client sees a
// truncated body rather than a clean end.
func (rt *Router) streamAudio(w http.ResponseWriter, run *turnRun, stream *gateway.AudioStream) {
	defer stream.Close()

	h := w.Header()
	h.Set("Content-Type", core.AudioContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	start := time.Now()
	var sent int64
	var firstChunk time.Duration
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil {
			if _, werr := w.Write(chunk); werr != nil {
				err = &core.StreamAbort{Cause: core.AbortClientGone, Err: werr}
			} else if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				err = &core.StreamAbort{Cause: core.AbortClientGone, Err: ferr}
			}
		}
		if err != nil {
			rt.abortStream(run, err, sent)
			return
		}
		if sent == 0 {
			firstChunk = time.Since(start)
		}
		sent += int64(len(chunk))
	}

	rt.metrics.ObserveStream("completed", sent)
	run.logger.With(map[string]interface{}{
		"bytes":          sent,
		"first_chunk_ms": firstChunk.Milliseconds(),
		"stream_ms":      time.Since(start).Milliseconds(),
	}).Info("audio stream completed")
	run.advance(StateCompleted)
}

func (rt *Router) abortStream(run *turnRun, err error, sent int64) {
	var abort *core.StreamAbort
	if !errors.As(err, &abort) {
		abort = &core.StreamAbort{Cause: core.AbortUpstreamBroken, Err: err}
	}
	rt.metrics.ObserveStream(string(abort.Cause), sent)
	run.logger.With(map[string]interface{}{
		"cause": string(abort.Cause),
		"bytes": sent,
		"error": abort.Err,
	}).Warn("audio stream aborted")
	run.fail(abort)

	if abort.Cause != core.AbortClientGone {
		panic(http.ErrAbortHandler)
	}
}

// fail records err on the run and answers with the mapped JSON error. Only
// for failures before any response bytes are written.
func (rt *Router) fail(w http.ResponseWriter, run *turnRun, err error) {
	run.fail(err)
	writeError(w, statusFor(err), err.Error())
}
