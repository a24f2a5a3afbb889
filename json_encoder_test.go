package eventstore_test

import (
	"strings"
	"testing"

	"github.com/andrekirst/eventstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShould_Decode_Encoded_Event(t *testing.T) {
	enc := encoder()

	for _, evt := range []eventstore.Event{
		roomBooked{Guest: "anna", Nights: 3},
		roomReleased{Reason: "early checkout"},
	} {
		encoded, err := enc.Encode(evt)
		require.NoError(t, err)
		assert.Equal(t, evt.EventType(), encoded.Type)

		decoded, err := enc.Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, evt, decoded)
	}
}

func TestShould_Round_Trip_Unicode_Without_Loss(t *testing.T) {
	enc := encoder()
	guest := "Jürgen Åström 🌻 日本語 <b>&</b>  ß"

	encoded, err := enc.Encode(roomBooked{Guest: guest})
	require.NoError(t, err)
	assert.Contains(t, string(encoded.Data), "<b>&</b>")
	assert.Contains(t, string(encoded.Data), "🌻")

	decoded, err := enc.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, guest, decoded.(roomBooked).Guest)
}

func TestDecode_Fails_With_DecodeError(t *testing.T) {
	enc := encoder()

	tests := []struct {
		name    string
		evt     eventstore.EncodedEvt
		wantErr error
	}{
		{
			name:    "unknown tag",
			evt:     eventstore.EncodedEvt{Type: "Nope", Data: []byte(`{}`)},
			wantErr: eventstore.ErrUnknownEventType,
		},
		{
			name:    "nil payload",
			evt:     eventstore.EncodedEvt{Type: "RoomBooked"},
			wantErr: eventstore.ErrEmptyPayload,
		},
		{
			name:    "empty payload",
			evt:     eventstore.EncodedEvt{Type: "RoomBooked", Data: []byte("  ")},
			wantErr: eventstore.ErrEmptyPayload,
		},
		{
			name:    "json null",
			evt:     eventstore.EncodedEvt{Type: "RoomBooked", Data: []byte("null")},
			wantErr: eventstore.ErrEmptyPayload,
		},
		{
			name: "oversized payload",
			evt: eventstore.EncodedEvt{
				Type: "RoomBooked",
				Data: []byte(`{"guest":"` + strings.Repeat("x", 100000) + `"}`),
			},
			wantErr: eventstore.ErrPayloadTooLarge,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			evt, err := enc.Decode(&tc.evt)

			assert.Nil(t, evt)
			assert.ErrorIs(t, err, tc.wantErr)

			var decErr *eventstore.DecodeError
			require.ErrorAs(t, err, &decErr)
			assert.Equal(t, tc.evt.Type, decErr.Type)
		})
	}
}

func TestDecode_Malformed_Json(t *testing.T) {
	enc := encoder()

	_, err := enc.Decode(&eventstore.EncodedEvt{Type: "RoomBooked", Data: []byte("invalid json{")})

	var decErr *eventstore.DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, "RoomBooked", decErr.Type)
	assert.Contains(t, err.Error(), "RoomBooked")
}

func TestDecode_Respects_Custom_Limit(t *testing.T) {
	enc := eventstore.NewJSONEncoder(eventstore.WithMaxPayloadBytes(16))
	eventstore.Register[roomBooked](enc)

	_, err := enc.Decode(&eventstore.EncodedEvt{Type: "RoomBooked", Data: []byte(`{"guest":"long enough"}`)})
	assert.ErrorIs(t, err, eventstore.ErrPayloadTooLarge)

	_, err = enc.Encode(roomBooked{Guest: "long enough"})
	assert.ErrorIs(t, err, eventstore.ErrPayloadTooLarge)
}

func TestEncode_Unregistered_Event_Fails(t *testing.T) {
	enc := eventstore.NewJSONEncoder()

	_, err := enc.Encode(roomBooked{})

	assert.ErrorIs(t, err, eventstore.ErrUnknownEventType)
}

func TestRegister_Twice_Panics(t *testing.T) {
	enc := encoder()

	assert.Panics(t, func() {
		eventstore.Register[roomBooked](enc)
	})
}

func TestTypes_Are_Sorted(t *testing.T) {
	assert.Equal(t, []string{"RoomBooked", "RoomReleased"}, encoder().Types())
}
