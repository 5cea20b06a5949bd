package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

func TestParseFieldPolicy(t *testing.T) {
	for _, in := range []string{"preserve", "reject", "ignore"} {
		got, err := ParseFieldPolicy(in)
		require.NoError(t, err)
		assert.Equal(t, FieldPolicy(in), got)
	}

	got, err := ParseFieldPolicy("")
	require.NoError(t, err)
	assert.Equal(t, FieldPreserve, got, "unset policy defaults to preserve")

	_, err = ParseFieldPolicy("quarantine")
	assert.Error(t, err)
}

func TestSplitUnknownPreserve(t *testing.T) {
	known := KnownKeys("model", "messages")
	body := []byte(`{"model":"m1","messages":[],"zeta":1,"alpha":{"x":true}}`)

	extras, err := SplitUnknown(body, known, FieldPreserve)
	require.NoError(t, err)
	assert.Equal(t, urp.Extra{
		"alpha": map[string]any{"x": true},
		"zeta":  float64(1),
	}, extras)

	extras, err = SplitUnknown([]byte(`{"model":"m1"}`), known, FieldPreserve)
	require.NoError(t, err)
	assert.Nil(t, extras, "no unknown keys, no extras")
}

func TestSplitUnknownReject(t *testing.T) {
	known := KnownKeys("model")
	_, err := SplitUnknown([]byte(`{"model":"m1","zeta":1,"alpha":2}`), known, FieldReject)
	require.Error(t, err)
	assert.True(t, apierror.IsKind(err, apierror.UnknownField))
	assert.Contains(t, err.Error(), "unknown field(s): alpha, zeta", "names are sorted")

	// known-only bodies pass under reject
	_, err = SplitUnknown([]byte(`{"model":"m1"}`), known, FieldReject)
	assert.NoError(t, err)
}

func TestSplitUnknownIgnore(t *testing.T) {
	extras, err := SplitUnknown([]byte(`{"model":"m1","zeta":1}`), KnownKeys("model"), FieldIgnore)
	require.NoError(t, err)
	assert.Nil(t, extras)
}

func TestSplitUnknownMalformedBody(t *testing.T) {
	_, err := SplitUnknown([]byte(`{"model":`), KnownKeys("model"), FieldPreserve)
	require.Error(t, err)
	assert.True(t, apierror.IsKind(err, apierror.InvalidRequest))
}

func TestDetectRequestShape(t *testing.T) {
	cases := []struct {
		body string
		want Shape
	}{
		{`{"contents":[{"parts":[{"text":"hi"}]}]}`, ShapeGemini},
		{`{"input":"hi","model":"m1"}`, ShapeResponses},
		{`{"messages":[],"system":"be brief"}`, ShapeMessages},
		{`{"messages":[{"role":"user","content":"hi"}]}`, ShapeChat},
		{`{}`, ShapeChat},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DetectRequestShape([]byte(tc.body)), tc.body)
	}
}

func TestPlaceholder(t *testing.T) {
	assert.Equal(t, "[image:https://x/img.png]",
		Placeholder(urp.ImagePart(urp.Ref{URL: "https://x/img.png"})))
	assert.Equal(t, "[file:report.pdf]",
		Placeholder(urp.FilePart(urp.Ref{Filename: "report.pdf"})))
	assert.Equal(t, "[image:base64]",
		Placeholder(urp.ImagePart(urp.Ref{Base64: "aGk=", MIME: "image/png"})))
	assert.Empty(t, Placeholder(urp.TextPart("hi")), "text never renders a placeholder")
}

func TestDataURLRoundTrip(t *testing.T) {
	url := DataURL("image/png", "aGk=")
	assert.Equal(t, "data:image/png;base64,aGk=", url)

	mime, b64, ok := ParseDataURL(url)
	require.True(t, ok)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, "aGk=", b64)

	assert.Equal(t, "data:application/octet-stream;base64,aGk=", DataURL("", "aGk="))

	_, _, ok = ParseDataURL("https://x/img.png")
	assert.False(t, ok, "regular URLs are not data URLs")
	_, _, ok = ParseDataURL("data:image/png")
	assert.False(t, ok, "missing payload separator")
}

func TestMergeExtras(t *testing.T) {
	dst := map[string]any{"model": "m1"}
	MergeExtras(dst, urp.Extra{"model": "shadow", "beta": 2})
	assert.Equal(t, "m1", dst["model"], "encoder-set keys win")
	assert.Equal(t, 2, dst["beta"])
}
