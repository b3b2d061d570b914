package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/istio-ecosystem/mixerclient-go/pkg/attribute"
	"github.com/istio-ecosystem/mixerclient-go/pkg/dictionary"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sender := dictionary.New(dictionary.Global)
	receiver := dictionary.New(dictionary.Global)

	bag := attribute.NewBag(map[string]attribute.Value{
		"source.ip":          attribute.StringValue("10.0.0.1"),
		"response.code":      attribute.Int64Value(200),
		"response.duration":  attribute.DurationValue(250 * time.Millisecond),
		"request.time":       attribute.TimestampValue(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		"my.custom.flag":     attribute.BoolValue(true),
		"my.custom.headers":  attribute.StringMapValue(map[string]string{"x-request-id": "abc"}),
		"my.custom.payload":  attribute.BytesValue([]byte{1, 2, 3}),
		"my.custom.fraction": attribute.DoubleValue(0.5),
	})

	msg := Encode(bag, sender)
	require.NotEmpty(t, msg.Dictionary, "custom attribute names must ride along as new words")

	got, err := Decode(msg, receiver)
	require.NoError(t, err)
	require.Equal(t, bag.Len(), got.Len())

	for _, name := range bag.Names() {
		want, _ := bag.Get(name)
		have, ok := got.Get(name)
		require.Truef(t, ok, "attribute %q missing after round trip", name)
		require.Equal(t, want.Kind, have.Kind)
		switch want.Kind {
		case attribute.KindString:
			require.Equal(t, want.String, have.String)
		case attribute.KindBytes:
			require.Equal(t, want.Bytes, have.Bytes)
		case attribute.KindInt64:
			require.Equal(t, want.Int64, have.Int64)
		case attribute.KindDouble:
			require.Equal(t, want.Double, have.Double)
		case attribute.KindBool:
			require.Equal(t, want.Bool, have.Bool)
		case attribute.KindTimestamp:
			require.True(t, want.Timestamp.Equal(have.Timestamp))
		case attribute.KindDuration:
			require.Equal(t, want.Duration, have.Duration)
		case attribute.KindStringMap:
			require.Equal(t, want.StringMap, have.StringMap)
		}
	}
}

func TestEncodeGlobalNameNeverRidesAsNewWord(t *testing.T) {
	dict := dictionary.New(dictionary.Global)
	bag := attribute.NewBag(map[string]attribute.Value{
		"source.ip": attribute.StringValue("10.0.0.1"),
	})
	msg := Encode(bag, dict)
	require.Empty(t, msg.Dictionary, "a global-table name must never be sent as a new word")
}

func TestDecodeRejectsOutOfRangeGlobalIndex(t *testing.T) {
	dict := dictionary.New(dictionary.Global)
	msg := Attributes{Strings: map[int32]string{int32(dictionary.Global.Len() + 10): "x"}}
	_, err := Decode(msg, dict)
	require.Error(t, err)
}

func TestDecodeRejectsUnknownNegativeIndex(t *testing.T) {
	dict := dictionary.New(dictionary.Global)
	msg := Attributes{Strings: map[int32]string{-5: "x"}}
	_, err := Decode(msg, dict)
	require.Error(t, err)
}

func TestDecodeInstallsNewWordsInAssignmentOrder(t *testing.T) {
	sender := dictionary.New(dictionary.Global)
	receiver := dictionary.New(dictionary.Global)

	bag := attribute.NewBag(map[string]attribute.Value{
		"alpha.one": attribute.StringValue("a"),
		"beta.two":  attribute.StringValue("b"),
		"gamma.tre": attribute.StringValue("c"),
	})
	msg := Encode(bag, sender)

	got, err := Decode(msg, receiver)
	require.NoError(t, err)
	require.Equal(t, sender.Words(), receiver.Words())
	for _, name := range bag.Names() {
		v, ok := got.Get(name)
		require.True(t, ok)
		require.Equal(t, attribute.KindString, v.Kind)
	}
}
