package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/conneroisu/quire/internal/errors"
	"github.com/conneroisu/quire/internal/vdom"
)

func TestMessageEncoding(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "connected",
			msg:  Connected(),
			want: `{"type":"connected","version":1}`,
		},
		{
			name: "reload without url change",
			msg:  Reload("initial compile", nil),
			want: `{"type":"reload","reason":"initial compile"}`,
		},
		{
			name: "reload with url change",
			msg:  Reload("permalink changed", &URLChange{Old: "/a/", New: "/b/"}),
			want: `{"type":"reload","reason":"permalink changed","url_change":{"old":"/a/","new":"/b/"}}`,
		},
		{
			name: "patch",
			msg:  Patch("/a/", []vdom.PatchOp{{Op: vdom.OpRemove, Target: "q1-2"}}),
			want: `{"type":"patch","path":"/a/","ops":[{"op":"remove","target":"q1-2"}]}`,
		},
		{
			name: "error",
			msg:  ErrorReport("content/a.html", "bad yaml"),
			want: `{"type":"error","path":"content/a.html","error":"bad yaml"}`,
		},
		{
			name: "clear error",
			msg:  ClearError("content/a.html"),
			want: `{"type":"clear_error","path":"content/a.html"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Encode()
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestEmptyPatchIsRejected(t *testing.T) {
	_, err := Patch("/a/", nil).Encode()
	require.Error(t, err)
	assert.True(t, qerrors.IsType(err, qerrors.ErrorTypeTransport))
}

func TestDecodeClientMessage(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"page","path":" /docs/intro/ "}`))
	require.NoError(t, err)
	assert.Equal(t, "/docs/intro/", msg.Path)

	for _, raw := range []string{
		`not json`,
		`{"type":"hello","path":"/"}`,
		`{"type":"page","path":""}`,
		`{"type":"page","path":"relative"}`,
	} {
		_, err := DecodeClientMessage([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestActivePagesRefCount(t *testing.T) {
	tracker := &fakeTracker{}
	a := NewActivePages(tracker)

	a.Acquire("/a/")
	a.Acquire("/a/")
	a.Acquire("")
	assert.Equal(t, 2, a.Viewers("/a/"))

	a.Release("/a/")
	assert.Equal(t, []string{"+/a/"}, tracker.log())

	a.Release("/a/")
	a.Release("/a/")
	a.Release("/missing/")
	assert.Equal(t, []string{"+/a/", "-/a/"}, tracker.log())
	assert.Empty(t, a.Pages())
}
