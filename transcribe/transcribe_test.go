package transcribe

import (
	"context"
	"net"
	"testing"

	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type fakeSpeech struct {
	speechpb.UnimplementedSpeechServer
	last *speechpb.RecognizeRequest
	resp *speechpb.RecognizeResponse
}

func (f *fakeSpeech) Recognize(_ context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	f.last = req
	return f.resp, nil
}

func newTestTranscriber(t *testing.T, fake *fakeSpeech) *Google {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	speechpb.RegisterSpeechServer(srv, fake)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	g, err := NewGoogle(context.Background(), Config{}, nil, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestGoogle_Transcribe(t *testing.T) {
	fake := &fakeSpeech{resp: &speechpb.RecognizeResponse{
		Results: []*speechpb.SpeechRecognitionResult{
			{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: " remind me to call mum "}}},
			{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: ""}}},
			{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "on Friday"}, {Transcript: "on fry day"}}},
		},
	}}
	g := newTestTranscriber(t, fake)

	text, err := g.Transcribe(context.Background(), []byte("OggS..."), "audio/ogg")
	require.NoError(t, err)
	assert.Equal(t, "remind me to call mum on Friday", text)

	require.NotNil(t, fake.last)
	assert.Equal(t, "en-US", fake.last.GetConfig().GetLanguageCode())
	assert.Equal(t, speechpb.RecognitionConfig_OGG_OPUS, fake.last.GetConfig().GetEncoding())
	assert.Equal(t, int32(48000), fake.last.GetConfig().GetSampleRateHertz())
	assert.Equal(t, []byte("OggS..."), fake.last.GetAudio().GetContent())
}

func TestGoogle_NoSpeech(t *testing.T) {
	g := newTestTranscriber(t, &fakeSpeech{resp: &speechpb.RecognizeResponse{}})

	_, err := g.Transcribe(context.Background(), []byte("silence"), "audio/wav")
	assert.ErrorIs(t, err, ErrNoSpeech)

	_, err = g.Transcribe(context.Background(), nil, "audio/wav")
	assert.ErrorIs(t, err, ErrNoSpeech)
}

func TestInferEncoding(t *testing.T) {
	cases := map[string]speechpb.RecognitionConfig_AudioEncoding{
		"audio/ogg":              speechpb.RecognitionConfig_OGG_OPUS,
		"audio/ogg; codecs=opus": speechpb.RecognitionConfig_OGG_OPUS,
		"audio/webm":             speechpb.RecognitionConfig_WEBM_OPUS,
		"audio/wav":              speechpb.RecognitionConfig_LINEAR16,
		"audio/x-flac":           speechpb.RecognitionConfig_FLAC,
		"audio/mpeg":             speechpb.RecognitionConfig_MP3,
		"":                       speechpb.RecognitionConfig_ENCODING_UNSPECIFIED,
	}
	for mime, want := range cases {
		assert.Equal(t, want, inferEncoding(mime), mime)
	}
}

func TestRecognitionConfig_SampleRateOnlyForOpus(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	assert.Zero(t, recognitionConfig(cfg, "audio/wav").GetSampleRateHertz())
	assert.Equal(t, int32(48000), recognitionConfig(cfg, "audio/webm").GetSampleRateHertz())
}
