package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testMessage = "MESSAGE sip:bob@example.com SIP/2.0\r\n" +
	"Via: SIP/2.0/TCP alice.example.com:5060;branch=z9hG4bKabc\r\n" +
	"Content-Length: 5\r\n" +
	"\r\n" +
	"hello"

func TestStreamDecoderWholeMessage(t *testing.T) {
	d := StreamDecoder{}
	require.NoError(t, d.Write([]byte(testMessage)))

	frame, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, testMessage, string(frame.Data))

	_, ok, err = d.Next()
	require.NoError(t, err)
	require.False(t, ok, "buffer drained")
}

func TestStreamDecoderSplitAcrossReads(t *testing.T) {
	d := StreamDecoder{}
	half := len(testMessage) / 2

	require.NoError(t, d.Write([]byte(testMessage[:half])))
	_, ok, err := d.Next()
	require.NoError(t, err)
	require.False(t, ok, "needs more data")

	require.NoError(t, d.Write([]byte(testMessage[half:])))
	frame, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, testMessage, string(frame.Data))
}

func TestStreamDecoderPipelinedMessages(t *testing.T) {
	d := StreamDecoder{}
	require.NoError(t, d.Write([]byte(testMessage+testMessage)))

	for i := 0; i < 2; i++ {
		frame, ok, err := d.Next()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, testMessage, string(frame.Data))
	}
}

func TestStreamDecoderKeepalive(t *testing.T) {
	d := StreamDecoder{}
	require.NoError(t, d.Write(KeepaliveRequest))
	require.NoError(t, d.Write([]byte(testMessage)))
	require.NoError(t, d.Write(KeepaliveResponse))

	frame, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, frame.Ping, "4 byte CRLF CRLF is a keepalive request")

	frame, ok, err = d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, testMessage, string(frame.Data))

	frame, ok, err = d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, frame.Pong, "2 byte CRLF is a keepalive response")
}

func TestStreamDecoderNoBody(t *testing.T) {
	msg := "OPTIONS sip:bob@example.com SIP/2.0\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
	d := StreamDecoder{}
	require.NoError(t, d.Write([]byte(msg)))

	frame, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, msg, string(frame.Data))
}

func TestStreamDecoderOverflow(t *testing.T) {
	d := StreamDecoder{}
	big := make([]byte, transportBufferSize+1)
	require.ErrorIs(t, d.Write(big), ErrStreamMessageTooLarge)
}
