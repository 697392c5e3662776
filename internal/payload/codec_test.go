package payload

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePushPacket(t *testing.T) {
	pkt, err := DecodePushPacket([]byte(`{"type":"service","lastRefTime":42,"data":"{\"name\":\"orderService\"}"}`))
	require.NoError(t, err)
	assert.Equal(t, PacketService, pkt.Type)
	assert.Equal(t, int64(42), pkt.LastRefTime)
	assert.Equal(t, `{"name":"orderService"}`, pkt.Data)
}

func TestDecodePushPacket_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"invalid utf8", []byte{'{', 0xff, 0xfe, '}'}},
		{"invalid json", []byte(`{"type":`)},
		{"missing type", []byte(`{"data":"x"}`)},
		{"empty type", []byte(`{"type":"","data":"x"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePushPacket(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDecode))

			var decodeErr *DecodeError
			assert.True(t, errors.As(err, &decodeErr))
		})
	}
}

func TestServiceKey(t *testing.T) {
	assert.Equal(t, "orderService", ServiceKey("orderService", ""))
	assert.Equal(t, "orderService@@DEFAULT", ServiceKey("orderService", "DEFAULT"))
	assert.NotEqual(t, ServiceKey("svc", "a,b"), ServiceKey("svc", "b,a"))

	meta := &SubscribeMetadata{ServiceName: "orderService", Clusters: "DEFAULT"}
	assert.Equal(t, "orderService@@DEFAULT", meta.Key())
}

func TestFrameCodec(t *testing.T) {
	c := Codec{}
	assert.Equal(t, CodecName, c.Name())

	data, err := c.Marshal(&Frame{Sink: SinkSubscribe, Payload: []byte(`{"type":"dump"}`)})
	require.NoError(t, err)

	var f Frame
	require.NoError(t, c.Unmarshal(data, &f))
	assert.Equal(t, SinkSubscribe, f.Sink)
	assert.Equal(t, `{"type":"dump"}`, string(f.Payload))
}

func TestSubscribeMetadata_SuccessNotSerialized(t *testing.T) {
	data, err := Marshal(&SubscribeMetadata{ServiceName: "svc", Success: true})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "uccess")
}
