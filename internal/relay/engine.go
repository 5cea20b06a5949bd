// Package relay drives a request end to end: decode, transform, route, call
// upstream, transcode or re-encode, bill, and log.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/billing"
	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/protocol"
	"github.com/howard-nolan/llmgateway/internal/reqlog"
	"github.com/howard-nolan/llmgateway/internal/routing"
	"github.com/howard-nolan/llmgateway/internal/sse"
	"github.com/howard-nolan/llmgateway/internal/store"
	"github.com/howard-nolan/llmgateway/internal/stream"
	"github.com/howard-nolan/llmgateway/internal/transform"
	"github.com/howard-nolan/llmgateway/internal/upstream"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

// Deps bundles the engine's collaborators.
type Deps struct {
	Store    *store.Store
	Builder  *routing.Builder
	Client   *upstream.Client
	Billing  *billing.Engine
	Logs     *reqlog.Writer
	Registry *transform.Registry
	Runtime  *config.Runtime
	Logger   *slog.Logger
	Brand    string
}

// Engine is the relay core shared by all completion endpoints.
type Engine struct {
	deps Deps
}

// NewEngine builds the engine.
func NewEngine(d Deps) *Engine { return &Engine{deps: d} }

// Request is one authenticated downstream request.
type Request struct {
	Shape         protocol.Shape
	Body          []byte
	User          *store.User
	Key           *store.APIKey
	RequestID     string
	RequestIP     string
	MaxMultiplier *float64 // from the x-max-multiplier header
}

// ModelInfo is one /v1/models row.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Models enumerates the logical models of all enabled providers, unique and
// sorted.
func (e *Engine) Models(ctx context.Context) ([]ModelInfo, error) {
	providers, err := e.deps.Store.ListProviders(ctx)
	if err != nil {
		return nil, apierror.Wrap(apierror.Internal, err, "listing models")
	}
	seen := make(map[string]bool)
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		for name := range p.Models {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ModelInfo, 0, len(names))
	for _, name := range names {
		out = append(out, ModelInfo{ID: name, Object: "model", Created: 0, OwnedBy: e.deps.Brand})
	}
	return out, nil
}

// Completion serves one chat/responses/messages request, unary or streaming.
// A non-nil return means no response bytes have been written yet and the
// caller should render the error envelope; streaming errors after the first
// byte are delivered in-stream and return nil.
func (e *Engine) Completion(ctx context.Context, w http.ResponseWriter, req *Request) error {
	start := time.Now()

	l := &store.RequestLog{
		RequestID:   req.RequestID,
		UserID:      req.User.ID,
		APIKeyID:    req.Key.ID,
		RequestKind: store.RequestKindCompletion,
		RequestIP:   req.RequestIP,
	}
	fail := func(err error) error {
		e.finalizeError(l, start, err)
		return err
	}

	policy, err := protocol.ParseFieldPolicy(e.deps.Runtime.UnknownFieldPolicy())
	if err != nil {
		return fail(apierror.Wrap(apierror.Internal, err, "invalid field policy"))
	}
	body, bodyCap, err := extractBodyCeiling(req.Body)
	if err != nil {
		return fail(err)
	}
	urpReq, err := decodeRequest(req.Shape, body, policy)
	if err != nil {
		return fail(err)
	}

	logicalModel := urpReq.Model
	l.Model = logicalModel
	l.IsStream = urpReq.Stream
	e.deps.Logs.Pending(ctx, l)

	if err := e.deps.Billing.Preflight(ctx, req.User.ID); err != nil {
		return fail(err)
	}
	if err := checkModelAllowed(req.Key, logicalModel); err != nil {
		return fail(err)
	}

	providers, err := e.deps.Store.ListProviders(ctx)
	if err != nil {
		return fail(apierror.Wrap(apierror.Internal, err, "loading providers"))
	}

	model, effort := e.resolveSuffix(logicalModel, providers)
	if model != logicalModel {
		urpReq.Model = model
		if effort != "" && (urpReq.Reasoning == nil || urpReq.Reasoning.Effort == "") {
			if urpReq.Reasoning == nil {
				urpReq.Reasoning = &urp.Reasoning{}
			}
			urpReq.Reasoning.Effort = effort
		}
	}
	if urpReq.Reasoning != nil {
		l.ReasoningEffort = urpReq.Reasoning.Effort
	}

	userRules := req.Key.Transforms
	userPipe := transform.NewPipeline(e.deps.Registry, userRules, nil)
	if err := userPipe.ApplyRequest(urpReq, model); err != nil {
		return fail(err)
	}

	attempts := e.deps.Builder.Attempts(providers, model, effectiveCeiling(req.Key, req.MaxMultiplier, bodyCap))

	var (
		winResp   *upstream.Response // open SSE body on the stream path
		winURP    *urp.Response
		winStream bool
	)
	call := func(ctx context.Context, a routing.Attempt) error {
		pipe := transform.NewPipeline(e.deps.Registry, userRules, a.Provider.Transforms)
		wantStream := urpReq.Stream && !pipe.HasResponsePhase(model)

		attemptReq := *urpReq
		attemptReq.Model = a.UpstreamModel
		attemptReq.Stream = wantStream
		provPipe := transform.NewPipeline(e.deps.Registry, nil, a.Provider.Transforms)
		if err := provPipe.ApplyRequest(&attemptReq, model); err != nil {
			return err
		}

		body, err := encodeUpstream(a.Provider.Kind, &attemptReq)
		if err != nil {
			return err
		}
		resp, err := e.deps.Client.Do(ctx, upstream.Call{
			Kind:    a.Provider.Kind,
			BaseURL: a.Channel.BaseURL,
			APIKey:  a.Channel.APIKey,
			Model:   a.UpstreamModel,
			Stream:  wantStream,
			Body:    body,
		})
		if err != nil {
			return err
		}

		if wantStream {
			winResp, winStream = resp, true
			return nil
		}

		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return &upstream.Error{Err: err}
		}
		urpResp, err := decodeUpstream(a.Provider.Kind, raw)
		if err != nil {
			return err
		}
		if err := pipe.ApplyResponse(urpResp, model); err != nil {
			return err
		}
		winURP, winStream = urpResp, false
		return nil
	}

	attempt, tried, err := e.deps.Builder.Execute(ctx, model, attempts, call)
	l.TriedProviders = tried
	if err != nil {
		return fail(classifyUpstreamErr(err))
	}
	l.ProviderID = attempt.Provider.ID
	l.ChannelID = attempt.Channel.ID
	l.UpstreamModel = attempt.UpstreamModel

	if urpReq.Stream {
		return e.finishStreaming(ctx, w, req, l, attempt, winResp, winURP, winStream, logicalModel, start)
	}
	return e.finishUnary(ctx, w, req, l, attempt, winURP, logicalModel, start)
}

func (e *Engine) finishUnary(ctx context.Context, w http.ResponseWriter, req *Request, l *store.RequestLog, attempt routing.Attempt, urpResp *urp.Response, logicalModel string, start time.Time) error {
	charge, err := e.bill(ctx, req, l, attempt, urpResp.Usage)
	if err != nil {
		e.finalizeError(l, start, err)
		return err
	}

	urpResp.Model = logicalModel
	body, err := encodeResponse(req.Shape, urpResp)
	if err != nil {
		err = apierror.Wrap(apierror.Internal, err, "encoding response")
		e.finalizeError(l, start, err)
		return err
	}

	e.finalizeSuccess(l, start, urpResp.Usage, charge)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
	return nil
}

func (e *Engine) finishStreaming(ctx context.Context, w http.ResponseWriter, req *Request, l *store.RequestLog, attempt routing.Attempt, winResp *upstream.Response, winURP *urp.Response, liveStream bool, logicalModel string, start time.Time) error {
	sw, err := sse.NewWriter(w)
	if err != nil {
		if liveStream {
			winResp.Body.Close()
		}
		err = apierror.Wrap(apierror.Internal, err, "starting stream")
		e.finalizeError(l, start, err)
		return err
	}
	emitter, err := stream.NewEmitter(req.Shape, sw, logicalModel)
	if err != nil {
		if liveStream {
			winResp.Body.Close()
		}
		err = apierror.Wrap(apierror.Internal, err, "starting stream")
		e.finalizeError(l, start, err)
		return err
	}

	var usage *urp.Usage
	if liveStream {
		dec, derr := stream.NewDecoder(attempt.Provider.Kind)
		if derr != nil {
			winResp.Body.Close()
			derr = apierror.Wrap(apierror.Internal, derr, "starting stream")
			e.finalizeError(l, start, derr)
			return derr
		}
		res, terr := stream.Transcode(ctx, winResp.Body, dec, emitter)
		winResp.Body.Close()
		if res != nil {
			usage = res.Usage
			l.TTFBMs = res.TTFB.Milliseconds()
		}
		if terr != nil {
			// Bytes are already on the wire; the client saw the error event.
			e.finalizeError(l, start, terr)
			return nil
		}
	} else {
		// Response-phase transform forced the unary upstream path; replay
		// the transformed response as a synthetic stream.
		if rerr := stream.Replay(winURP, emitter); rerr != nil {
			e.finalizeError(l, start, rerr)
			return nil
		}
		usage = winURP.Usage
	}

	charge, berr := e.bill(ctx, req, l, attempt, usage)
	if berr != nil {
		// The response is already delivered; record the billing failure.
		e.deps.Logger.Warn("post-stream billing failed", "user", req.User.ID, "error", berr)
	}
	e.finalizeSuccess(l, start, usage, charge)
	return nil
}

// bill prices and debits the request when usage is known. A nil usage means
// the upstream never reported one; nothing is billed.
func (e *Engine) bill(ctx context.Context, req *Request, l *store.RequestLog, attempt routing.Attempt, usage *urp.Usage) (*billing.Charge, error) {
	if usage == nil {
		return nil, nil
	}
	meta := map[string]any{
		"model":          l.Model,
		"upstream_model": attempt.UpstreamModel,
		"provider_id":    attempt.Provider.ID,
		"channel_id":     attempt.Channel.ID,
	}
	if req.RequestID != "" {
		meta["request_id"] = req.RequestID
	}
	return e.deps.Billing.BillUsage(ctx, req.User.ID, attempt.UpstreamModel, *usage, attempt.Entry.Multiplier, meta)
}

func (e *Engine) finalizeSuccess(l *store.RequestLog, start time.Time, usage *urp.Usage, charge *billing.Charge) {
	l.Status = store.LogStatusSuccess
	l.DurationMs = time.Since(start).Milliseconds()
	if usage != nil {
		l.PromptTokens = usage.PromptTokens
		l.CompletionTokens = usage.CompletionTokens
		l.CachedTokens = usage.CachedTokens
		l.ReasoningTokens = usage.ReasoningTokens
		if data, err := json.Marshal(usage); err == nil {
			l.UsageJSON = string(data)
		}
	}
	if charge != nil && charge.Final.Sign() > 0 {
		final := charge.Final
		l.ChargeNano = &final
		breakdown := map[string]any{
			"prompt_charge_nano":     charge.PromptCharge.NanoString(),
			"completion_charge_nano": charge.CompletionCharge.NanoString(),
			"base_nano":              charge.Base.NanoString(),
			"final_nano":             charge.Final.NanoString(),
			"multiplier":             charge.Multiplier,
		}
		if data, err := json.Marshal(breakdown); err == nil {
			l.BillingJSON = string(data)
		}
	}
	e.deps.Logs.Finalize(l)
}

func (e *Engine) finalizeError(l *store.RequestLog, start time.Time, err error) {
	apiErr := apierror.From(err)
	l.Status = store.LogStatusError
	l.DurationMs = time.Since(start).Milliseconds()
	l.ErrorCode = apiErr.Code()
	l.ErrorHTTPStatus = apiErr.Status()
	l.ErrorMessage = apiErr.Error()
	e.deps.Logs.Finalize(l)
}

// resolveSuffix maps a model with a reasoning-effort suffix to its served
// base model. The longest matching suffix whose base some enabled provider
// serves wins; a directly served model is never rewritten.
func (e *Engine) resolveSuffix(model string, providers []*store.Provider) (string, string) {
	if modelServed(providers, model) {
		return model, ""
	}
	suffixes := e.deps.Runtime.SuffixEfforts()
	best := ""
	for sfx := range suffixes {
		if len(sfx) <= len(best) || !strings.HasSuffix(model, sfx) {
			continue
		}
		base := strings.TrimSuffix(model, sfx)
		if base != "" && modelServed(providers, base) {
			best = sfx
		}
	}
	if best == "" {
		return model, ""
	}
	return strings.TrimSuffix(model, best), suffixes[best]
}

func modelServed(providers []*store.Provider, model string) bool {
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		if _, ok := p.Models[model]; ok {
			return true
		}
	}
	return false
}

// checkModelAllowed enforces the key's model allowlist; entries are globs.
func checkModelAllowed(key *store.APIKey, model string) error {
	if len(key.AllowedModels) == 0 {
		return nil
	}
	for _, pattern := range key.AllowedModels {
		if ok, err := doublestar.Match(pattern, model); err == nil && ok {
			return nil
		}
	}
	return apierror.New(apierror.Forbidden, "model %s not allowed for this key", model)
}

// effectiveCeiling combines the key's max multiplier with any per-request
// ceilings (the x-max-multiplier header, a max_multiplier body field), taking
// the strictest.
func effectiveCeiling(key *store.APIKey, requested ...*float64) *float64 {
	ceiling := key.MaxMultiplier
	for _, r := range requested {
		if r != nil && (ceiling == nil || *r < *ceiling) {
			ceiling = r
		}
	}
	return ceiling
}

// extractBodyCeiling pulls a top-level max_multiplier out of the raw body so
// it acts as a routing ceiling instead of riding upstream as an extra field.
func extractBodyCeiling(body []byte) ([]byte, *float64, error) {
	if !gjson.ValidBytes(body) {
		return body, nil, nil // the decoder reports malformed JSON
	}
	v := gjson.GetBytes(body, "max_multiplier")
	if !v.Exists() {
		return body, nil, nil
	}
	if v.Type != gjson.Number {
		return body, nil, apierror.New(apierror.InvalidRequest, "max_multiplier must be a number")
	}
	out, err := sjson.DeleteBytes(body, "max_multiplier")
	if err != nil {
		return body, nil, apierror.Wrap(apierror.Internal, err, "stripping max_multiplier")
	}
	f := v.Float()
	return out, &f, nil
}

// classifyUpstreamErr maps raw upstream call failures into the taxonomy;
// apierror values pass through.
func classifyUpstreamErr(err error) error {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return err
	}
	var ue *upstream.Error
	if errors.As(err, &ue) {
		switch {
		case ue.Status == 0 && isTimeout(ue.Err):
			return apierror.Wrap(apierror.RequestTimeout, err, "upstream timeout")
		case ue.Status >= 400 && ue.Status < 500 &&
			ue.Status != http.StatusUnauthorized && ue.Status != http.StatusForbidden:
			return apierror.Wrap(apierror.InvalidRequest, err, ue.Error())
		default:
			return apierror.Wrap(apierror.UpstreamError, err, ue.Error())
		}
	}
	return apierror.Wrap(apierror.UpstreamError, err, "upstream call failed")
}

func isTimeout(err error) bool {
	t, ok := err.(interface{ Timeout() bool })
	return ok && t.Timeout()
}
