package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForFrame(t *testing.T) {
	assert.Equal(t, "json", ForFrame(false).Name())
	assert.False(t, ForFrame(false).Binary())
	assert.Equal(t, "cbor", ForFrame(true).Name())
	assert.True(t, ForFrame(true).Binary())
}

func TestEnvelopeAcrossCodecs(t *testing.T) {
	for _, c := range []Codec{JSON, CBOR} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := Serialize(c, NewMessage("status", map[string]any{"state": "ready"}))
			require.NoError(t, err)

			m, err := Deserialize(c, data)
			require.NoError(t, err)

			msgType, payload := ParseMessage(m)
			assert.Equal(t, "status", msgType)
			assert.Equal(t, map[string]any{"state": "ready"}, payload)
		})
	}
}

func TestJSONWireShape(t *testing.T) {
	data, err := Serialize(JSON, NewMessage("ping", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping","payload":null}`, string(data))
}

func TestCBORIsDeterministic(t *testing.T) {
	payload := map[string]any{"b": "2", "a": "1", "c": "3"}
	first, err := CBOR.Marshal(payload)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := CBOR.Marshal(payload)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDeserializeRejectsGarbage(t *testing.T) {
	_, err := Deserialize(JSON, []byte("{not json"))
	assert.ErrorContains(t, err, "json decode")

	_, err = Deserialize(CBOR, []byte{0xff, 0x00})
	assert.ErrorContains(t, err, "cbor decode")
}
