package urp

// StreamEventKind discriminates the neutral streaming event union.
type StreamEventKind string

const (
	// StreamStart opens a stream and carries the response id and model.
	StreamStart StreamEventKind = "start"
	// StreamTextDelta carries a fragment of assistant text.
	StreamTextDelta StreamEventKind = "text_delta"
	// StreamReasoningDelta carries a fragment of plaintext thinking.
	StreamReasoningDelta StreamEventKind = "reasoning_delta"
	// StreamReasoningSignatureDelta carries a fragment of an opaque
	// thinking signature.
	StreamReasoningSignatureDelta StreamEventKind = "reasoning_signature_delta"
	// StreamRefusalDelta carries a fragment of a refusal message.
	StreamRefusalDelta StreamEventKind = "refusal_delta"
	// StreamToolCallStart announces a tool call at a correlation index.
	StreamToolCallStart StreamEventKind = "tool_call_start"
	// StreamToolCallArgsDelta carries an arguments JSON fragment for the
	// tool call at Index.
	StreamToolCallArgsDelta StreamEventKind = "tool_call_args_delta"
	// StreamToolCallDone closes the tool call at Index.
	StreamToolCallDone StreamEventKind = "tool_call_done"
	// StreamFinish terminates the stream with a finish reason and, when
	// the upstream reported one, a final usage snapshot.
	StreamFinish StreamEventKind = "finish"
	// StreamError terminates the stream with an error.
	StreamError StreamEventKind = "error"
)

// StreamEvent is the neutral streaming vocabulary. Upstream decoders produce
// these; downstream emitters consume them and re-render the target shape's
// event grammar. Index correlates piecewise tool-call fragments.
type StreamEvent struct {
	Kind StreamEventKind

	// StreamStart
	ID    string
	Model string

	// Delta kinds
	Text string

	// Tool-call kinds
	Index  int
	CallID string
	Name   string
	Args   string

	// StreamFinish
	FinishReason FinishReason
	Usage        *Usage

	// StreamError
	Err error
}
