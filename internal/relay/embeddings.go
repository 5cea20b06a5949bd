package relay

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/routing"
	"github.com/howard-nolan/llmgateway/internal/store"
	"github.com/howard-nolan/llmgateway/internal/upstream"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

// Embeddings serves one embeddings request. The body passes through opaque
// except for the model field, which is rewritten per routing on the way up
// and restored to the logical name on the way down. Always unary.
func (e *Engine) Embeddings(ctx context.Context, w http.ResponseWriter, req *Request) error {
	start := time.Now()

	l := &store.RequestLog{
		RequestID:   req.RequestID,
		UserID:      req.User.ID,
		APIKeyID:    req.Key.ID,
		RequestKind: store.RequestKindEmbeddings,
		RequestIP:   req.RequestIP,
	}
	fail := func(err error) error {
		e.finalizeError(l, start, err)
		return err
	}

	if !gjson.ValidBytes(req.Body) {
		return fail(apierror.New(apierror.InvalidRequest, "invalid JSON body"))
	}
	logicalModel := gjson.GetBytes(req.Body, "model").String()
	if logicalModel == "" {
		return fail(apierror.New(apierror.InvalidRequest, "model is required"))
	}
	input := gjson.GetBytes(req.Body, "input")
	if !input.Exists() {
		return fail(apierror.New(apierror.InvalidRequest, "input is required"))
	}
	if gjson.GetBytes(req.Body, "stream").Bool() {
		return fail(apierror.New(apierror.InvalidRequest, "embeddings do not support streaming"))
	}
	switch ef := gjson.GetBytes(req.Body, "encoding_format").String(); ef {
	case "", "float", "base64":
	default:
		return fail(apierror.New(apierror.InvalidRequest, "invalid encoding_format: %q", ef))
	}

	reqBody, bodyCap, err := extractBodyCeiling(req.Body)
	if err != nil {
		return fail(err)
	}

	l.Model = logicalModel
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
	attempts := e.deps.Builder.Attempts(providers, logicalModel, effectiveCeiling(req.Key, req.MaxMultiplier, bodyCap))

	var raw []byte
	call := func(ctx context.Context, a routing.Attempt) error {
		body, err := sjson.SetBytes(reqBody, "model", a.UpstreamModel)
		if err != nil {
			return apierror.Wrap(apierror.Internal, err, "rewriting model")
		}
		resp, err := e.deps.Client.Do(ctx, upstream.Call{
			Kind:       a.Provider.Kind,
			BaseURL:    a.Channel.BaseURL,
			APIKey:     a.Channel.APIKey,
			Model:      a.UpstreamModel,
			Embeddings: true,
			Body:       body,
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err = io.ReadAll(resp.Body)
		if err != nil {
			return &upstream.Error{Err: err}
		}
		return nil
	}

	attempt, tried, err := e.deps.Builder.Execute(ctx, logicalModel, attempts, call)
	l.TriedProviders = tried
	if err != nil {
		return fail(classifyUpstreamErr(err))
	}
	l.ProviderID = attempt.Provider.ID
	l.ChannelID = attempt.Channel.ID
	l.UpstreamModel = attempt.UpstreamModel

	var usage *urp.Usage
	if u := gjson.GetBytes(raw, "usage.prompt_tokens"); u.Exists() {
		usage = &urp.Usage{PromptTokens: int(u.Int())}
	}
	charge, err := e.bill(ctx, req, l, attempt, usage)
	if err != nil {
		return fail(err)
	}

	if gjson.GetBytes(raw, "model").Exists() {
		if out, serr := sjson.SetBytes(raw, "model", logicalModel); serr == nil {
			raw = out
		}
	}

	e.finalizeSuccess(l, start, usage, charge)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
	return nil
}
